// Package worker implements the bounded worker pool and fork/IPC
// lifecycle described in spec §4.2. Go cannot safely fork() a
// multi-threaded runtime and keep running Go code in the child, so a
// worker is a re-exec of the manager's own binary (os.Executable()) with
// a hidden worker-mode flag; the parent and child communicate over a
// SOCK_DGRAM Unix domain socketpair for device handoff and a shared
// SOCK_DGRAM completion socket for results (SPEC_FULL §6).
package worker

import (
	"os/exec"
	"time"

	"github.com/tripwire/udevd/internal/event"
)

// State mirrors spec §3's Worker state machine.
type State int

const (
	StateRunning State = iota
	StateIdle
	StateKilling
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateKilling:
		return "killing"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Worker is the Supervisor's view of one forked child process. Workers
// are created and destroyed exclusively through Pool; the zero value is
// not meaningful on its own.
type Worker struct {
	ID    event.WorkerID // == pid, stable identity for the lifetime of the process
	State State

	cmd      *exec.Cmd
	deviceFd int // parent's end of the device-handoff socketpair

	// Event is a weak back-reference to the event currently attached, or
	// nil when Idle. Cleared by Pool on detach.
	Event *event.Event

	warningTimer *time.Timer
	killTimer    *time.Timer
}

// IsAlive reports whether the worker has not yet been marked Killed. The
// pool marks a worker Killed when it sends the kill signal, before the
// process exit is reaped.
func (w *Worker) IsAlive() bool {
	return w.State != StateKilled
}
