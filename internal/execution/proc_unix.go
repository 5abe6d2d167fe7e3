//go:build unix

package execution

import (
	"os/exec"
	"syscall"
	"time"
)

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// setProcessGroup places the child in a new process group so signals can be
// delivered to the whole child tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup terminates a child's process group: SIGTERM first, then
// SIGKILL once the grace period expires. done is the channel the waiter
// goroutine reports on; a child that exits promptly avoids the SIGKILL.
func killProcessGroup(pid int, done <-chan error) {
	signalProcessGroup(pid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(killGrace):
		signalProcessGroup(pid, syscall.SIGKILL)
	}

	// Reap the child so it does not linger as a zombie.
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// signalProcessGroup signals -pid (the group); it falls back to the single
// process when the group is already gone.
func signalProcessGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// ProcessAlive reports whether a PID refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// SignalGroup exposes group signalling for the scheduler's kill operation.
func SignalGroup(pid int, sig syscall.Signal) {
	signalProcessGroup(pid, sig)
}
