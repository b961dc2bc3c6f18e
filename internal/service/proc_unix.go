//go:build unix

package service

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the worker into its own process group, so launchers such
// as uvx are terminated together with the interpreter they spawn.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interrupt(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
