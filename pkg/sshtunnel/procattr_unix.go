//go:build linux || darwin

package sshtunnel

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so a kill
// targets the ssh process (and anything it forks) without also touching
// the agent's own process group. Spec.md §9 "child-process lifetime"
// requires the child die only when the supervisor says so and never
// become an orphan/zombie; an isolated process group is the POSIX half of
// that discipline.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
