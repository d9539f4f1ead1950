package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/foldrun/internal/agent/mounts"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// LaunchSpec is what a launcher needs to build the agent process.
type LaunchSpec struct {
	RunID     string
	Workspace *v1.WorkspaceConfig
	AgentID   string
	Plan      *mounts.Plan
}

// Prepared is a process ready to start. When Terminal is set the launcher
// refused to start anything and Terminal is the run's result.
type Prepared struct {
	Cmd           *exec.Cmd
	ContainerName string
	Terminal      *v1.ExecutionResult
}

// Launcher builds and stops agent processes for one execution mode. Process
// start, stdio and exit handling are shared by all launchers.
type Launcher interface {
	Mode() v1.ExecutionMode
	Prepare(ctx context.Context, spec *LaunchSpec) (*Prepared, error)
	// Stop ends the process gracefully and escalates to a forced kill. It
	// blocks until the process is gone or ctx is done.
	Stop(ctx context.Context, h *RunHandle) error
}

// RunHandle is a live run. It is safe for concurrent use.
type RunHandle struct {
	ID            string
	Folder        string
	AgentID       string
	Mode          v1.ExecutionMode
	ContainerName string
	StartedAt     time.Time

	cmd      *exec.Cmd
	launcher Launcher
	done     chan struct{}

	stopRequested atomic.Bool
	stopMu        sync.Mutex
	stopping      bool
	// stopCh is closed when the first stop escalation begins.
	stopCh chan struct{}
}

func newRunHandle(spec *LaunchSpec, mode v1.ExecutionMode, prep *Prepared, l Launcher) *RunHandle {
	return &RunHandle{
		ID:            spec.RunID,
		Folder:        spec.Workspace.Folder,
		AgentID:       spec.AgentID,
		Mode:          mode,
		ContainerName: prep.ContainerName,
		StartedAt:     time.Now(),
		cmd:           prep.Cmd,
		launcher:      l,
		done:          make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// PID returns the process id of the launched command, 0 before start.
func (h *RunHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Info describes the run.
func (h *RunHandle) Info() v1.RunInfo {
	return v1.RunInfo{
		ID:            h.ID,
		Folder:        h.Folder,
		AgentID:       h.AgentID,
		Mode:          h.Mode,
		PID:           h.PID(),
		ContainerName: h.ContainerName,
		StartedAt:     h.StartedAt,
	}
}

// Done is closed once the process has exited and been reaped.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Stop asks the run to end. A run ended this way is reported as a success
// when a frame consumer is attached.
func (h *RunHandle) Stop(ctx context.Context) error {
	h.stopRequested.Store(true)
	return h.terminate(ctx)
}

// StopRequested reports whether Stop was called.
func (h *RunHandle) StopRequested() bool {
	return h.stopRequested.Load()
}

// terminate runs the launcher's stop escalation once; concurrent callers
// wait for the process to go away instead of signalling again.
func (h *RunHandle) terminate(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	h.stopMu.Lock()
	if h.stopping {
		h.stopMu.Unlock()
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.stopping = true
	close(h.stopCh)
	h.stopMu.Unlock()

	return h.launcher.Stop(ctx, h)
}

// kill force-kills the launched process group.
func (h *RunHandle) kill() error {
	pid := h.PID()
	if pid == 0 {
		return fmt.Errorf("run %s has no process", h.ID)
	}
	return signalGroup(pid, sigKill)
}

// waitDone waits up to d for the process to exit.
func (h *RunHandle) waitDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// runName derives the run id, which doubles as the container name:
// prefix-folder[-agent]-unixmillis with everything outside [a-zA-Z0-9-]
// replaced by dashes.
func runName(prefix, folder, agentID string, now time.Time) string {
	parts := []string{prefix, unsafeNameChars.ReplaceAllString(folder, "-")}
	if agentID != "" {
		parts = append(parts, unsafeNameChars.ReplaceAllString(agentID, "-"))
	}
	parts = append(parts, fmt.Sprintf("%d", now.UnixMilli()))
	return strings.Join(parts, "-")
}
