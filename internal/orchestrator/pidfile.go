// Package orchestrator implements multi-process supervision (spec.md
// §4.5): PID-file exclusion, child process supervision with a watchdog,
// and the listen-socket handover protocol between a live instance and
// its replacement.
package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Orchestrator)

// staleWait and killWait mirror the 500ms/3s windows the original
// supervisor gives a predecessor to exit before escalating signals.
const (
	staleWait = 500 * time.Millisecond
	killWait  = 3 * time.Second
)

// PIDFile guards one named process against a second concurrent instance,
// implementing spec.md §4.5's "PID-file exclusion".
type PIDFile struct {
	path string
}

// NewPIDFile returns a guard for the given path (e.g.
// "<socketdir>/<processname>.pid").
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Acquire checks the existing PID-file, if any. If its owner is alive
// and killOld is false, Acquire fails outright. If killOld is true, it
// signals the owner to terminate (SIGTERM, wait 500ms, escalate to
// SIGKILL, wait up to 3s) before claiming the file for the calling
// process.
func (p *PIDFile) Acquire(killOld bool) error {
	oldPID, alive := p.readAlive()
	if alive {
		if !killOld {
			return fmt.Errorf("orchestrator: process pid %d still exists, pass -k to kill it", oldPID)
		}
		if err := terminate(oldPID); err != nil {
			return err
		}
	}
	return p.write(os.Getpid())
}

// readAlive returns the PID recorded in the file and whether that
// process is still running (signal 0 probe).
func (p *PIDFile) readAlive() (int, bool) {
	body, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil || pid < 1 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	return pid, proc.Signal(syscall.Signal(0)) == nil
}

func (p *PIDFile) write(pid int) error {
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

// Release removes the PID-file, if it still names this process.
func (p *PIDFile) Release() {
	pid, alive := p.readAlive()
	if alive && pid == os.Getpid() {
		_ = os.Remove(p.path)
	}
}

// terminate implements the SIGTERM -> 500ms -> SIGKILL -> 3s escalation
// (spec.md §4.5).
func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	logger.Warn("terminating predecessor process", "pid", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("orchestrator: signal pid %d: %w", pid, err)
	}
	if waitDead(proc, staleWait) {
		return nil
	}
	logger.Warn("predecessor did not exit, escalating to SIGKILL", "pid", pid)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("orchestrator: kill pid %d: %w", pid, err)
	}
	if waitDead(proc, killWait) {
		return nil
	}
	return fmt.Errorf("orchestrator: pid %d did not exit after SIGKILL", pid)
}

func waitDead(proc *os.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return proc.Signal(syscall.Signal(0)) != nil
}
