// Package protocol implements the sentinel-delimited framing used on an
// agent's stdout. Everything outside a START/END pair is noise and ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Sentinels bracketing every JSON frame.
const (
	StartMarker = "---FOLDRUN_OUTPUT_START---"
	EndMarker   = "---FOLDRUN_OUTPUT_END---"
)

var (
	startMarker = []byte(StartMarker)
	endMarker   = []byte(EndMarker)
)

// Encode returns the framed bytes for f, newline separated so the frame
// reads cleanly in a raw log.
func Encode(f v1.StreamFrame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	out := make([]byte, 0, len(payload)+len(StartMarker)+len(EndMarker)+4)
	out = append(out, '\n')
	out = append(out, startMarker...)
	out = append(out, '\n')
	out = append(out, payload...)
	out = append(out, '\n')
	out = append(out, endMarker...)
	out = append(out, '\n')
	return out, nil
}

// WriteFrame encodes f and writes it to w in a single Write call.
func WriteFrame(w io.Writer, f v1.StreamFrame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// NewStreamFrame creates an intermediate frame carrying partial text.
func NewStreamFrame(text string) v1.StreamFrame {
	return v1.StreamFrame{Status: v1.FrameStatusStream, Result: &text}
}

// NewSuccessFrame creates a success frame. An empty result is encoded as null.
func NewSuccessFrame(result, sessionID string) v1.StreamFrame {
	f := v1.StreamFrame{Status: v1.FrameStatusSuccess, NewSessionID: sessionID}
	if result != "" {
		f.Result = &result
	}
	return f
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(msg string) v1.StreamFrame {
	return v1.StreamFrame{Status: v1.FrameStatusError, Error: msg}
}

// NewEventFrame creates a stream frame carrying an opaque event payload.
func NewEventFrame(event any) (v1.StreamFrame, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return v1.StreamFrame{}, fmt.Errorf("marshal event: %w", err)
	}
	return v1.StreamFrame{Status: v1.FrameStatusStream, Event: raw}, nil
}
