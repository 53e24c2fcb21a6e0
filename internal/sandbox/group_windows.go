//go:build windows

package sandbox

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Windows has no POSIX process groups; the tree is addressed through taskkill /T
// rooted at the leader pid.
func launchInNewGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func terminateGroup(pid int) error {
	return taskkill(pid, false)
}

func killGroup(pid int) error {
	return taskkill(pid, true)
}

func taskkill(pid int, force bool) error {
	if pid <= 0 {
		return nil
	}
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append([]string{"/F"}, args...)
	}
	// taskkill exits non-zero once the tree is gone; that is not a failure here.
	_ = exec.Command("taskkill", args...).Run()
	return nil
}

// GroupAlive reports whether the leader process still exists.
func GroupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), " "+strconv.Itoa(pid)+" ")
}

// KillGroup force-kills a process tree that is not owned by a Runner in this process.
func KillGroup(pid int) error {
	return killGroup(pid)
}
