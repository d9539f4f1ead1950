package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Defaults used when NewParser is given no options.
const (
	DefaultMaxBuffer  = 32 * 1024 * 1024
	DefaultTailWindow = 64 * 1024
)

// DecodeError describes a frame whose payload was not valid JSON.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid frame payload (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Parser incrementally extracts frames from an arbitrarily chunked stream.
// The frames produced do not depend on how the input was split.
// A Parser is not safe for concurrent use.
type Parser struct {
	buf        []byte
	maxBuffer  int
	tailWindow int

	onDecodeError func(*DecodeError)
	onOverflow    func(dropped int)

	decoded   int
	malformed int
	dropped   int64
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxBuffer caps the bytes retained between frames.
func WithMaxBuffer(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.maxBuffer = n
		}
	}
}

// WithTailWindow sets how much of the buffer survives an overflow caused by
// a pending frame that outgrew the buffer.
func WithTailWindow(n int) ParserOption {
	return func(p *Parser) {
		if n > 0 {
			p.tailWindow = n
		}
	}
}

// WithDecodeErrorHandler is called for every skipped frame.
func WithDecodeErrorHandler(fn func(*DecodeError)) ParserOption {
	return func(p *Parser) { p.onDecodeError = fn }
}

// WithOverflowHandler is called whenever the overflow guard discards bytes.
func WithOverflowHandler(fn func(dropped int)) ParserOption {
	return func(p *Parser) { p.onOverflow = fn }
}

// NewParser creates a Parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{maxBuffer: DefaultMaxBuffer, tailWindow: DefaultTailWindow}
	for _, opt := range opts {
		opt(p)
	}
	if p.tailWindow >= p.maxBuffer {
		p.tailWindow = p.maxBuffer / 2
	}
	if p.tailWindow < len(startMarker) {
		p.tailWindow = len(startMarker)
	}
	return p
}

// Feed appends chunk and returns every frame completed by it, in order.
func (p *Parser) Feed(chunk []byte) []v1.StreamFrame {
	p.buf = append(p.buf, chunk...)

	var frames []v1.StreamFrame
	for {
		start := bytes.Index(p.buf, startMarker)
		if start < 0 {
			p.discardNoise()
			break
		}
		bodyStart := start + len(startMarker)
		end := bytes.Index(p.buf[bodyStart:], endMarker)
		if end < 0 {
			break
		}
		body := p.buf[bodyStart : bodyStart+end]
		p.buf = p.buf[bodyStart+end+len(endMarker):]

		// A start marker inside the body means an earlier frame was cut off;
		// only the last one can be the frame this end marker closes.
		if nested := bytes.LastIndex(body, startMarker); nested >= 0 {
			p.reportDecodeError(body[:nested], fmt.Errorf("unterminated frame"))
			body = body[nested+len(startMarker):]
		}

		payload := bytes.TrimSpace(body)
		var f v1.StreamFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			p.reportDecodeError(payload, err)
			continue
		}
		p.decoded++
		frames = append(frames, f)
	}

	p.guardOverflow()
	return frames
}

// discardNoise drops buffered bytes that cannot belong to a frame, keeping
// only enough to complete a start marker split across chunks.
func (p *Parser) discardNoise() {
	keep := len(startMarker) - 1
	if len(p.buf) <= keep {
		return
	}
	p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)
}

func (p *Parser) reportDecodeError(payload []byte, err error) {
	p.malformed++
	if p.onDecodeError != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		p.onDecodeError(&DecodeError{Payload: cp, Err: err})
	}
}

// guardOverflow keeps the buffer bounded. A pending frame is preserved from
// its start marker as long as it fits; otherwise only the tail window
// survives.
func (p *Parser) guardOverflow() {
	if len(p.buf) <= p.maxBuffer {
		if len(p.buf) == 0 && cap(p.buf) > p.maxBuffer {
			p.buf = nil
		}
		return
	}

	keepFrom := len(p.buf) - p.tailWindow
	if last := bytes.LastIndex(p.buf, startMarker); last >= 0 && len(p.buf)-last <= p.maxBuffer {
		keepFrom = last
	}
	if keepFrom <= 0 {
		return
	}

	kept := make([]byte, len(p.buf)-keepFrom)
	copy(kept, p.buf[keepFrom:])
	p.buf = kept
	p.dropped += int64(keepFrom)
	if p.onOverflow != nil {
		p.onOverflow(keepFrom)
	}
}

// Buffered returns the number of bytes waiting for a complete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// Stats returns decoded and skipped frame counts and bytes dropped by the
// overflow guard.
func (p *Parser) Stats() (decoded, malformed int, dropped int64) {
	return p.decoded, p.malformed, p.dropped
}

// LastFrame returns the last complete, valid frame in data. Used when no
// streaming consumer was attached and the final output is read after exit.
func LastFrame(data []byte) (v1.StreamFrame, bool) {
	p := NewParser(WithMaxBuffer(len(data) + len(startMarker) + 1))
	frames := p.Feed(data)
	if len(frames) == 0 {
		return v1.StreamFrame{}, false
	}
	return frames[len(frames)-1], true
}
