// Command mock-agent speaks the agent side of the run protocol without a
// model behind it. Point host.entryPoint at the binary and set host.runtime
// to "" to exercise the full pipeline locally.
//
// The agent sandbox only passes a fixed set of variables through, so
// behaviour is steered by directives at the start of the prompt:
//
//	chunks=N   number of stream frames before the result (default 3)
//	delay=D    pause between frames, a Go duration (default 100ms)
//	fail=MSG   finish with an error frame carrying MSG
//	hang       never finish, for idle timeout checks
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
	"github.com/kandev/foldrun/pkg/protocol"
)

func main() {
	var req v1.ExecutionRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: bad request: %v\n", err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "mock-agent: folder=%s agent=%s resume=%t\n", req.GroupFolder, req.AgentID, req.SessionID != "")

	opts, words := parseDirectives(req.Prompt)

	// Noise outside the sentinels is ignored by the parser.
	fmt.Println("mock-agent starting")

	for i := 0; i < opts.chunks; i++ {
		text := fmt.Sprintf("thinking (%d/%d)", i+1, opts.chunks)
		if i < len(words) {
			text += ": " + words[i]
		}
		write(protocol.NewStreamFrame(text))
		time.Sleep(opts.delay)
	}

	if opts.hang {
		select {}
	}

	if opts.fail != "" {
		write(protocol.NewErrorFrame(opts.fail))
		os.Exit(1)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	write(protocol.NewSuccessFrame("echo: "+strings.Join(words, " "), sessionID))
}

func write(f v1.StreamFrame) {
	if err := protocol.WriteFrame(os.Stdout, f); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: write frame: %v\n", err)
		os.Exit(3)
	}
}

type options struct {
	chunks int
	delay  time.Duration
	fail   string
	hang   bool
}

// parseDirectives strips leading directives from prompt and returns the
// remaining words.
func parseDirectives(prompt string) (options, []string) {
	opts := options{chunks: 3, delay: 100 * time.Millisecond}
	words := strings.Fields(prompt)
	for len(words) > 0 {
		key, value, _ := strings.Cut(words[0], "=")
		switch key {
		case "chunks":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				opts.chunks = n
			}
		case "delay":
			if d, err := time.ParseDuration(value); err == nil {
				opts.delay = d
			}
		case "fail":
			opts.fail = value
		case "hang":
			opts.hang = true
		default:
			return opts, words
		}
		words = words[1:]
	}
	return opts, words
}
