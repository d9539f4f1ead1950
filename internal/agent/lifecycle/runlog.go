package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// runLog is the per-run diagnostic artifact written to the workspace logs
// dir after every run.
type runLog struct {
	RunID     string
	Folder    string
	AgentID   string
	Mode      v1.ExecutionMode
	StartedAt time.Time
	Duration  time.Duration
	ExitCode  int
	Signal    string
	TimedOut  bool
	Stopped   bool
	Result    *v1.ExecutionResult

	Request *v1.ExecutionRequest
	Mounts  []v1.VolumeMount
	Stdout  *cappedBuffer
	Stderr  *cappedBuffer

	FramesDecoded   int
	FramesMalformed int
	ParseDropped    int64
}

// write renders the log into dir/run-<timestamp>.log. Request content,
// mounts and captured output are only included when verbose is set.
func (r *runLog) write(dir string, verbose bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("run-%s.log", r.StartedAt.UTC().Format("2006-01-02T15-04-05.000Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(r.render(verbose)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *runLog) render(verbose bool) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("=== Agent Run Log ===")
	line("Timestamp: %s", r.StartedAt.UTC().Format(time.RFC3339Nano))
	line("Run: %s", r.RunID)
	line("Folder: %s", r.Folder)
	if r.AgentID != "" {
		line("Agent: %s", r.AgentID)
	}
	line("Mode: %s", r.Mode)
	line("Duration: %s", r.Duration.Round(time.Millisecond))
	line("Exit Code: %d", r.ExitCode)
	if r.Signal != "" {
		line("Signal: %s", r.Signal)
	}
	line("Timed Out: %t", r.TimedOut)
	line("Stop Requested: %t", r.Stopped)
	line("Stdout Truncated: %t", r.Stdout.Truncated())
	line("Stderr Truncated: %t", r.Stderr.Truncated())
	line("Frames: decoded=%d malformed=%d parse_dropped_bytes=%d", r.FramesDecoded, r.FramesMalformed, r.ParseDropped)
	if r.Result != nil {
		line("Status: %s", r.Result.Status)
		if r.Result.Error != "" {
			line("Error: %s", r.Result.Error)
		}
	}
	line("")

	if !verbose {
		if r.Request != nil {
			line("=== Request Summary ===")
			line("Prompt length: %d chars", len(r.Request.Prompt))
			line("Images: %d", len(r.Request.Images))
			line("Session: %s", presence(r.Request.SessionID))
			line("")
		}
		line("=== Output ===")
		line("Stdout: %d bytes", r.Stdout.Total())
		line("Stderr: %d bytes", r.Stderr.Total())
		return b.String()
	}

	line("=== Request ===")
	line("%s", redactRequest(r.Request))
	line("")
	line("=== Mounts ===")
	for _, m := range r.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		line("%s -> %s (%s)", m.HostPath, m.ContainerPath, mode)
	}
	line("")
	line("=== Stderr ===")
	line("%s", r.Stderr.String())
	line("")
	line("=== Stdout ===")
	line("%s", r.Stdout.String())
	return b.String()
}

func presence(s string) string {
	if s == "" {
		return "new"
	}
	return "resumed"
}

// redactRequest pretty-prints the request with inline image data elided.
func redactRequest(req *v1.ExecutionRequest) string {
	if req == nil {
		return "null"
	}
	cp := *req
	if len(req.Images) > 0 {
		cp.Images = make([]v1.ImageAttachment, len(req.Images))
		for i, img := range req.Images {
			cp.Images[i] = v1.ImageAttachment{
				MediaType: img.MediaType,
				Data:      fmt.Sprintf("[%d bytes elided]", len(img.Data)),
			}
		}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unencodable request: %v>", err)
	}
	return string(data)
}
