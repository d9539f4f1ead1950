package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

const readChunkSize = 32 * 1024

// cappedBuffer accumulates stream output up to a limit and silently drops
// the rest, remembering that it did.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	total     int64
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write never fails so it can sit behind an io.MultiWriter.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the retained bytes.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *cappedBuffer) String() string {
	return string(b.Bytes())
}

// Truncated reports whether anything was dropped.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Total is the number of bytes offered, kept or not.
func (b *cappedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

const defaultStderrTailBytes = 500

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultStderrTailBytes
	}
	return &tailBuffer{buf: make([]byte, 0, limit), limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// String returns the kept bytes as trimmed text.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	data := append([]byte(nil), b.buf...)
	b.mu.Unlock()
	// Do not start in the middle of a multi-byte rune.
	for i := 0; i < utf8.UTFMax && len(data) > 0 && !utf8.RuneStart(data[0]); i++ {
		data = data[1:]
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
}

// writeRequest sends the request as a single JSON document and closes stdin
// so the agent sees EOF.
func writeRequest(w io.WriteCloser, req *v1.ExecutionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// endOfOutput reports whether a read error just means the stream is over,
// either by EOF or because the pipe was closed after the drain timeout.
func endOfOutput(err error) bool {
	return err == io.EOF || errors.Is(err, os.ErrClosed)
}

// pumpStdout copies r into the log buffer and hands every chunk to onChunk.
// It returns when r reaches EOF or fails.
func pumpStdout(r io.Reader, sink *cappedBuffer, onChunk func([]byte)) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = sink.Write(chunk)
			onChunk(chunk)
		}
		if endOfOutput(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// pumpStderr keeps stderr for diagnostics and logs it line by line at debug
// level. It never touches the parser or the idle timer. Overlong lines are
// logged in pieces.
func pumpStderr(r io.Reader, sink io.Writer, log *logger.Logger) error {
	const maxLine = 4096
	var line bytes.Buffer
	flush := func() {
		if text := strings.TrimRight(line.String(), "\r"); text != "" {
			log.Debug("agent stderr", zap.String("line", text))
		}
		line.Reset()
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = sink.Write(chunk)
			for len(chunk) > 0 {
				i := bytes.IndexByte(chunk, '\n')
				if i < 0 {
					line.Write(chunk)
					if line.Len() >= maxLine {
						flush()
					}
					break
				}
				line.Write(chunk[:i])
				flush()
				chunk = chunk[i+1:]
			}
		}
		if err != nil {
			flush()
			if endOfOutput(err) {
				return nil
			}
			return err
		}
	}
}
