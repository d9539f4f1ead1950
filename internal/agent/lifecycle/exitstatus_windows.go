//go:build windows

package lifecycle

import (
	"errors"
	"os/exec"
	"syscall"
)

func exitStatus(err error) (int, syscall.Signal, error) {
	if err == nil {
		return 0, 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, 0, err
	}
	return exitErr.ExitCode(), 0, nil
}
