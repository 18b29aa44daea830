// Package event defines the Event type queued by the scheduler and the
// worker/event cross-reference model described in spec §3 and §9:
// Worker and Event never hold pointers to one another, only opaque IDs
// into the Manager's maps, so that detachment is a single assignment and
// there is no cyclic ownership for the garbage collector (or a human
// reader) to puzzle over.
package event

import (
	"time"

	"github.com/tripwire/udevd/internal/device"
)

// State is the lifecycle state of a queued Event. A completed event is
// removed from the queue outright rather than marked with a third state.
type State int

const (
	Queued State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "queued"
}

// WorkerID identifies a worker in the Manager's worker map. The zero value
// means "no worker".
type WorkerID uint64

// NoWorker is the sentinel WorkerID meaning "not attached to any worker".
const NoWorker WorkerID = 0

// Event is a single queued unit of work. Seqnum is its identity within the
// queue; Device is the enriched, mutable copy rules operate on; DeviceKernel
// is the frozen clone forwarded verbatim if the worker fails.
type Event struct {
	Seqnum uint64
	State  State

	Device       *device.Device
	DeviceKernel *device.Device

	// Worker is a weak back-reference, cleared (set to NoWorker) when the
	// worker detaches. It is the sole source of truth for "is this event
	// Running" — see invariant I1 in spec §8.
	Worker WorkerID

	// DelayingSeqnum memoizes the seqnum of the most recent earlier event
	// that blocked this one, letting the queue short-circuit a full
	// dependency scan (spec §4.1).
	DelayingSeqnum *uint64

	// QueuedAt is when the event was appended to the queue; the worker
	// pool's per-event timers start later, when it attaches the event to
	// a worker.
	QueuedAt time.Time
}

// IsRunning reports whether the event currently has a worker attached.
func (e *Event) IsRunning() bool {
	return e.Worker != NoWorker
}

// SetDelayingSeqnum records seqnum as the most recently observed blocker.
func (e *Event) SetDelayingSeqnum(seqnum uint64) {
	e.DelayingSeqnum = &seqnum
}

// ClearDelayingSeqnum invalidates the memoized blocker, forcing the next
// scan to be a full scan.
func (e *Event) ClearDelayingSeqnum() {
	e.DelayingSeqnum = nil
}
