//go:build !windows

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

// launchInNewGroup makes the child the leader of a fresh process group whose id equals its pid.
func launchInNewGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pgid int) error {
	return signalGroup(pgid, syscall.SIGTERM)
}

func killGroup(pgid int) error {
	return signalGroup(pgid, syscall.SIGKILL)
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// GroupAlive reports whether any process of the group still exists.
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// KillGroup force-kills a group that is not owned by a Runner in this process,
// e.g. a session left behind by another orchestrator.
func KillGroup(pgid int) error {
	if err := terminateGroup(pgid); err != nil {
		return err
	}
	return killGroup(pgid)
}
