package protocol

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func frameBytes(t *testing.T, f v1.StreamFrame) []byte {
	t.Helper()
	data, err := Encode(f)
	require.NoError(t, err)
	return data
}

func sampleStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("booting agent...\nnpm warn something\n")
	buf.Write(frameBytes(t, NewStreamFrame("thinking")))
	buf.WriteString("stray log line between frames\n")
	buf.Write(frameBytes(t, NewStreamFrame("partial ---FOLDRUN text")))
	buf.Write(frameBytes(t, NewSuccessFrame("done", "sess-1")))
	buf.WriteString("trailing noise")
	return buf.Bytes()
}

func feedChunks(p *Parser, data []byte, sizes func() int) []v1.StreamFrame {
	var out []v1.StreamFrame
	for len(data) > 0 {
		n := sizes()
		if n > len(data) {
			n = len(data)
		}
		out = append(out, p.Feed(data[:n])...)
		data = data[n:]
	}
	return out
}

func TestParser_ChunkBoundaryInvariance(t *testing.T) {
	stream := sampleStream(t)
	want := NewParser().Feed(stream)
	require.Len(t, want, 3)

	// Every two-way split.
	for i := 0; i <= len(stream); i++ {
		p := NewParser()
		got := append(p.Feed(stream[:i]), p.Feed(stream[i:])...)
		require.Equal(t, want, got, "split at %d", i)
	}

	// Byte at a time.
	p := NewParser()
	assert.Equal(t, want, feedChunks(p, stream, func() int { return 1 }))

	// Random chunk sizes.
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		p := NewParser()
		got := feedChunks(p, stream, func() int { return 1 + rng.Intn(40) })
		assert.Equal(t, want, got, "round %d", round)
	}
}

func TestParser_FrameContents(t *testing.T) {
	frames := NewParser().Feed(sampleStream(t))
	require.Len(t, frames, 3)

	assert.Equal(t, v1.FrameStatusStream, frames[0].Status)
	require.NotNil(t, frames[0].Result)
	assert.Equal(t, "thinking", *frames[0].Result)

	assert.Equal(t, "partial ---FOLDRUN text", *frames[1].Result)

	assert.Equal(t, v1.FrameStatusSuccess, frames[2].Status)
	assert.Equal(t, "done", *frames[2].Result)
	assert.Equal(t, "sess-1", frames[2].NewSessionID)
}

func TestParser_InvalidJSONSkipped(t *testing.T) {
	var decodeErrs []*DecodeError
	p := NewParser(WithDecodeErrorHandler(func(e *DecodeError) { decodeErrs = append(decodeErrs, e) }))

	input := StartMarker + "{bad json}" + EndMarker + StartMarker + `{"status":"success","result":"ok"}` + EndMarker
	frames := p.Feed([]byte(input))

	require.Len(t, frames, 1)
	assert.Equal(t, "ok", *frames[0].Result)
	require.Len(t, decodeErrs, 1)
	assert.Equal(t, "{bad json}", string(decodeErrs[0].Payload))

	decoded, malformed, _ := p.Stats()
	assert.Equal(t, 1, decoded)
	assert.Equal(t, 1, malformed)
}

func TestParser_NullResultAndEvent(t *testing.T) {
	input := StartMarker + `{"status":"stream","result":null,"event":{"type":"tool","name":"bash"}}` + EndMarker
	frames := NewParser().Feed([]byte(input))
	require.Len(t, frames, 1)
	assert.Nil(t, frames[0].Result)
	assert.JSONEq(t, `{"type":"tool","name":"bash"}`, string(frames[0].Event))
}

func TestParser_IncompleteFrameWaits(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed([]byte("noise "+StartMarker+`{"status":"succ`)))
	assert.Empty(t, p.Feed([]byte(`ess","result":"x"}`+"\n---FOLDRUN_OUTPUT_")))
	frames := p.Feed([]byte("END---"))
	require.Len(t, frames, 1)
	assert.Equal(t, "x", *frames[0].Result)
	assert.Equal(t, 0, p.Buffered())
}

func TestParser_UnterminatedFrameResyncs(t *testing.T) {
	var errs int
	p := NewParser(WithDecodeErrorHandler(func(*DecodeError) { errs++ }))
	input := StartMarker + `{"status":"stre` + "\n" + StartMarker + `{"status":"success","result":"kept"}` + EndMarker
	frames := p.Feed([]byte(input))
	require.Len(t, frames, 1)
	assert.Equal(t, "kept", *frames[0].Result)
	assert.Equal(t, 1, errs)
}

func TestParser_OverflowKeepsPendingFrame(t *testing.T) {
	var dropped int
	p := NewParser(WithMaxBuffer(1024), WithTailWindow(64), WithOverflowHandler(func(n int) { dropped += n }))

	noise := strings.Repeat("x", 2000)
	pending := StartMarker + `{"status":"success","result":"after overflow"}`
	assert.Empty(t, p.Feed([]byte(noise+pending)))
	assert.Equal(t, len(pending), p.Buffered())
	assert.Equal(t, 2000, dropped)

	frames := p.Feed([]byte(EndMarker))
	require.Len(t, frames, 1)
	assert.Equal(t, "after overflow", *frames[0].Result)
}

func TestParser_NoiseKeepsSplitStartMarker(t *testing.T) {
	p := NewParser(WithMaxBuffer(1024), WithTailWindow(64))

	half := len(StartMarker) / 2
	for i := 0; i < 100; i++ {
		assert.Empty(t, p.Feed([]byte(strings.Repeat("y", 3000))))
		assert.Less(t, p.Buffered(), len(StartMarker))
	}
	assert.Empty(t, p.Feed([]byte("y"+StartMarker[:half])))
	assert.Less(t, p.Buffered(), len(StartMarker))

	frames := p.Feed([]byte(StartMarker[half:] + `{"status":"success","result":"joined"}` + EndMarker))
	require.Len(t, frames, 1)
	assert.Equal(t, "joined", *frames[0].Result)

	// Noise is not an overflow.
	_, _, dropped := p.Stats()
	assert.Zero(t, dropped)
}

func TestParser_OversizedFrameKeepsTail(t *testing.T) {
	var dropped int
	p := NewParser(WithMaxBuffer(1024), WithTailWindow(64), WithOverflowHandler(func(n int) { dropped += n }))

	oversized := StartMarker + `{"status":"stream","result":"` + strings.Repeat("z", 2000)
	assert.Empty(t, p.Feed([]byte(oversized)))
	assert.Equal(t, 64, p.Buffered())
	assert.Equal(t, len(oversized)-64, dropped)

	frames := p.Feed([]byte(StartMarker + `{"status":"success","result":"next"}` + EndMarker))
	require.Len(t, frames, 1)
	assert.Equal(t, "next", *frames[0].Result)
}

func TestLastFrame(t *testing.T) {
	f, ok := LastFrame(sampleStream(t))
	require.True(t, ok)
	assert.Equal(t, "done", *f.Result)

	_, ok = LastFrame([]byte("no frames here " + StartMarker + "{"))
	assert.False(t, ok)
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, NewErrorFrame("boom")))
	assert.True(t, strings.HasPrefix(buf.String(), "\n"+StartMarker+"\n"))

	frames := NewParser().Feed(buf.Bytes())
	require.Len(t, frames, 1)
	assert.Equal(t, v1.FrameStatusError, frames[0].Status)
	assert.Equal(t, "boom", frames[0].Error)
	assert.Nil(t, frames[0].Result)
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame(map[string]string{"type": "tool_use"})
	require.NoError(t, err)
	assert.Equal(t, v1.FrameStatusStream, f.Status)
	assert.JSONEq(t, `{"type":"tool_use"}`, string(f.Event))
}
