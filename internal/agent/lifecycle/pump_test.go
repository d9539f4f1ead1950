package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(10)
	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte(" world, again"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.True(t, b.Truncated())
	assert.Equal(t, "hello worl", b.String())
	assert.Equal(t, int64(18), b.Total())

	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "hello worl", b.String())
	assert.Equal(t, int64(22), b.Total())
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("line one\n"))
	_, _ = b.Write([]byte("error: 失败了\n"))

	// Cutting into the middle of a rune drops the partial rune.
	tail := b.String()
	assert.True(t, strings.HasSuffix(tail, "败了"))
	assert.NotContains(t, tail, "�")

	_, _ = b.Write([]byte("ok"))
	assert.Equal(t, "了\nok", b.String())
}

func TestTailBuffer_KeepsEndOfLongStream(t *testing.T) {
	capped := newCappedBuffer(64)
	tail := newTailBuffer(17)
	w := io.MultiWriter(capped, tail)
	_, _ = w.Write([]byte(strings.Repeat("noise ", 100)))
	_, _ = w.Write([]byte("\nfatal: disk full\n"))

	assert.True(t, capped.Truncated())
	assert.NotContains(t, capped.String(), "fatal")
	assert.Equal(t, "fatal: disk full", tail.String())
}

type recordingCloser struct {
	bytes.Buffer
	closed   bool
	writeErr error
}

func (r *recordingCloser) Write(p []byte) (int, error) {
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	return r.Buffer.Write(p)
}

func (r *recordingCloser) Close() error {
	r.closed = true
	return nil
}

func TestWriteRequest(t *testing.T) {
	w := &recordingCloser{}
	req := &v1.ExecutionRequest{Prompt: "hi", GroupFolder: "main", ChatJID: "chat@1", IsHome: true}
	require.NoError(t, writeRequest(w, req))
	assert.True(t, w.closed)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.Bytes(), &decoded))
	assert.Equal(t, "hi", decoded["prompt"])
	assert.Equal(t, "main", decoded["groupFolder"])
	assert.Equal(t, true, decoded["isHome"])
	assert.NotContains(t, decoded, "sessionId")
}

func TestWriteRequest_BrokenPipe(t *testing.T) {
	w := &recordingCloser{writeErr: io.ErrClosedPipe}
	err := writeRequest(w, &v1.ExecutionRequest{Prompt: "hi"})
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	assert.True(t, w.closed)
}

func TestPumpStdout(t *testing.T) {
	sink := newCappedBuffer(1 << 20)
	data := strings.Repeat("x", readChunkSize+100)
	var got bytes.Buffer
	calls := 0
	err := pumpStdout(strings.NewReader(data), sink, func(chunk []byte) {
		calls++
		got.Write(chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, data, got.String())
	assert.Equal(t, data, sink.String())
	assert.GreaterOrEqual(t, calls, 2)
}

func TestPumpStderr(t *testing.T) {
	sink := newCappedBuffer(1 << 20)
	input := "first\r\nsecond\n" + strings.Repeat("y", 10000) + "\nlast"
	require.NoError(t, pumpStderr(strings.NewReader(input), sink, logger.NewNop()))
	assert.Equal(t, input, sink.String())
}
