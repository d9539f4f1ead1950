//go:build linux

package lifecycle

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group so the whole tree
// can be signalled at once. Pdeathsig takes the agent down if foldrun dies
// without stopping it.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)
