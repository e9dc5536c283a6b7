//go:build !windows

package agent

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerm and signalKill target the whole process group so tools the
// agent spawned go down with it.
func signalTerm(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func signalKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// termProcess and killProcess signal the group of a child this process
// started. Signal 0 on the leader fails with os.ErrProcessDone once Wait has
// reaped it, so a recycled pid is never signalled.
func termProcess(p *os.Process) error {
	return signalStarted(p, syscall.SIGTERM)
}

func killProcess(p *os.Process) error {
	return signalStarted(p, syscall.SIGKILL)
}

func signalStarted(p *os.Process, sig syscall.Signal) error {
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return err
	}
	return signalGroup(p.Pid, sig)
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// ProcessAlive reports whether pid names a live process, typically an agent
// recorded in a ledger by another chronicle process.
func ProcessAlive(pid int) bool {
	return pid > 0 && alive(pid)
}

// TerminatePID stops an agent started by another chronicle process: SIGTERM,
// then SIGKILL if it is still alive after grace.
func TerminatePID(pid int, grace time.Duration) error {
	if err := signalTerm(pid); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if alive(pid) {
		return signalKill(pid)
	}
	return nil
}
