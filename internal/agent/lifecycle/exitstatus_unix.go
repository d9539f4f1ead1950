//go:build !windows

package lifecycle

import (
	"errors"
	"os/exec"
	"syscall"
)

// exitStatus turns the error from cmd.Wait into an exit code and, when the
// process died from a signal, that signal. Signalled processes report the
// shell convention 128+signal as their code.
func exitStatus(err error) (int, syscall.Signal, error) {
	if err == nil {
		return 0, 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, 0, err
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), 0, nil
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal(), nil
	}
	return ws.ExitStatus(), 0, nil
}
