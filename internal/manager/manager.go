// Package manager holds the scheduler's global state (spec §3's
// "Manager"): the property-override map, the stop/exit flags, and
// references to the queue, worker pool, and rule engine the Supervisor's
// consumer goroutine drives. It owns none of those three directly (each
// already owns its own state); Manager exists so there is exactly one
// value threaded through every handler instead of package-level
// singletons, per spec §9's "Global mutable state" redesign note.
package manager

import (
	"os"
	"sync"

	"github.com/tripwire/udevd/internal/config"
	"github.com/tripwire/udevd/internal/queue"
	"github.com/tripwire/udevd/internal/ruleengine"
	"github.com/tripwire/udevd/internal/worker"
)

// Manager is the single value the Supervisor threads through every
// handler. Construct with New; the zero value is not usable.
type Manager struct {
	Queue  *queue.Queue
	Pool   *worker.Pool
	Rules  ruleengine.Engine
	Config *config.Config

	// ownerPID is the process that created the Manager. Only this
	// process's Queue touches the on-disk queue marker (spec §3); a
	// forked worker process never constructs a Manager at all, so this
	// field exists mainly to make that invariant checkable in tests.
	ownerPID int

	mu              sync.Mutex
	properties      map[string]string
	stopExecQueue   bool
	exit            bool
}

// New constructs a Manager wrapping the given components.
func New(cfg *config.Config, q *queue.Queue, pool *worker.Pool, rules ruleengine.Engine) *Manager {
	return &Manager{
		Queue:      q,
		Pool:       pool,
		Rules:      rules,
		Config:     cfg,
		ownerPID:   os.Getpid(),
		properties: make(map[string]string),
	}
}

// OwnerPID returns the PID that created this Manager.
func (m *Manager) OwnerPID() int { return m.ownerPID }

// DispatchEnabled reports whether the consumer loop should attempt
// dispatch this iteration: false once STOP_EXEC_QUEUE has been received
// or exit has been requested.
func (m *Manager) DispatchEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopExecQueue && !m.exit
}

// SetStopExecQueue implements the STOP_EXEC_QUEUE / START_EXEC_QUEUE
// control commands (spec §4.5).
func (m *Manager) SetStopExecQueue(stop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopExecQueue = stop
}

// StopExecQueue reports the current STOP_EXEC_QUEUE state.
func (m *Manager) StopExecQueue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopExecQueue
}

// RequestExit marks the Manager for shutdown. The Supervisor checks Exit
// after each consumer-loop iteration and begins its drain sequence once
// set (spec §4.5 EXIT, §6).
func (m *Manager) RequestExit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exit = true
}

// Exit reports whether shutdown has been requested.
func (m *Manager) Exit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exit
}

// ApplyEnv implements SET_ENV: key=value installs or replaces an
// operator property override; key= (empty value) removes the override
// entirely, restoring the map to its pre-override state for that key
// rather than recording an explicit "unset" tombstone (spec §8, law L3:
// SET_ENV("K=v"); SET_ENV("K=") must restore the pre-first-set state).
func (m *Manager) ApplyEnv(key, value string, remove bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remove {
		delete(m.properties, key)
		return
	}
	m.properties[key] = value
}

// Property returns the current override for key, if any.
func (m *Manager) Property(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.properties[key]
	return v, ok
}

// Properties returns a snapshot copy of the full override map, safe for
// the caller to retain or mutate.
func (m *Manager) Properties() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.properties))
	for k, v := range m.properties {
		out[k] = v
	}
	return out
}

// SetChildrenMax implements SET_CHILDREN_MAX: updates Config and the
// live pool cap together so neither drifts from the other. Per spec §9's
// open question, lowering the cap never eagerly kills existing workers;
// see worker.Pool.SetChildrenMax.
func (m *Manager) SetChildrenMax(n int) {
	if n <= 0 {
		return
	}
	m.Config.ChildrenMax = n
	m.Pool.SetChildrenMax(n)
}
