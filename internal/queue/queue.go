// Package queue implements the ordered event queue and dependency
// serialization predicate described in spec §4.1. Events are appended at
// the tail and dispatched from the head; the predicate in IsBusy decides
// whether an event may start without violating invariant I4 (no two
// concurrently-running events touch related devices).
package queue

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/event"
)

// Queue is the Manager's ordered event list. The zero value is not usable;
// construct with New. Queue is safe for concurrent use, though in normal
// operation only the Supervisor's single consumer goroutine touches it.
type Queue struct {
	mu         sync.Mutex
	events     []*event.Event
	nextSeqnum uint64 // unused; Enqueue checks order against the tail event
	markerPath string
	ownerPID   int
}

// New returns an empty Queue. markerPath is the presence-marker file this
// Queue creates when non-empty and removes when it drains back to empty
// (spec §3, invariant I3); pass "" to disable marker-file management
// (useful in unit tests that don't want filesystem side effects).
func New(markerPath string) *Queue {
	return &Queue{
		markerPath: markerPath,
		ownerPID:   os.Getpid(),
	}
}

// Enqueue appends a fresh Queued Event for dev to the tail. It rejects dev
// if it lacks a seqnum, or if dev's seqnum does not strictly increase
// relative to the current tail (spec §3, invariant I5). If the queue
// marker cannot be created, the event is still appended and returned
// together with the error.
func (q *Queue) Enqueue(dev *device.Device) (*event.Event, error) {
	if dev.Seqnum == 0 {
		return nil, fmt.Errorf("queue: enqueue: device record has no seqnum")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.events); n > 0 && dev.Seqnum <= q.events[n-1].Seqnum {
		return nil, fmt.Errorf("queue: enqueue: seqnum %d does not strictly increase past tail seqnum %d",
			dev.Seqnum, q.events[n-1].Seqnum)
	}

	wasEmpty := len(q.events) == 0

	e := &event.Event{
		Seqnum:       dev.Seqnum,
		State:        event.Queued,
		Device:       dev,
		DeviceKernel: dev.Clone(),
		Worker:       event.NoWorker,
		QueuedAt:     time.Now(),
	}
	q.events = append(q.events, e)

	if wasEmpty {
		if err := q.touchMarker(); err != nil {
			return e, fmt.Errorf("queue: enqueue: %w", err)
		}
	}
	return e, nil
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// All returns a snapshot slice of the currently queued events, head first.
// The returned slice must not be mutated.
func (q *Queue) All() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*event.Event, len(q.events))
	copy(out, q.events)
	return out
}

// NextRunnable returns the first Queued event (in head-to-tail order) for
// which IsBusy returns false, or nil if every queued event is blocked or
// already running.
func (q *Queue) NextRunnable() *event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.events {
		if e.State != event.Queued {
			continue
		}
		if !q.isBusyLocked(i) {
			return e
		}
	}
	return nil
}

// IsBusy reports whether e must not start yet because an earlier event in
// the queue touches a related device (spec §4.1). It is exported so tests
// and the dispatcher can evaluate the predicate directly without a full
// NextRunnable scan.
func (q *Queue) IsBusy(e *event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOfLocked(e.Seqnum)
	if idx < 0 {
		return false
	}
	return q.isBusyLocked(idx)
}

// isBusyLocked implements the §4.1 scan predicate for the event at index i,
// holding q.mu. It first tries the memoized delaying_seqnum short-circuit,
// falling back to a full scan of events [0, i) when the memo is stale.
func (q *Queue) isBusyLocked(i int) bool {
	e := q.events[i]

	if e.DelayingSeqnum != nil {
		if q.indexOfLocked(*e.DelayingSeqnum) >= 0 {
			return true
		}
		// The blocking event is gone; the memo no longer applies.
		e.ClearDelayingSeqnum()
	}

	for j := 0; j < i; j++ {
		other := q.events[j]
		if dependsOn(e.Device, other.Device) {
			e.SetDelayingSeqnum(other.Seqnum)
			return true
		}
	}
	return false
}

// dependsOn implements the six-clause predicate from spec §4.1: does a
// (the later event) depend on b (the earlier event)?
func dependsOn(a, b *device.Device) bool {
	// 1. Same devnum, both or neither block subsystem.
	if a.HasDevNum && b.HasDevNum && a.DevNum == b.DevNum && a.IsBlock() == b.IsBlock() {
		return true
	}
	// 2. Same non-zero network ifindex.
	if a.Ifindex > 0 && a.Ifindex == b.Ifindex {
		return true
	}
	// 3. a's old devpath (from a "move") matches b's current devpath.
	if a.DevpathOld != "" && a.DevpathOld == b.Devpath {
		return true
	}
	// 4. Identical devpath.
	if a.Devpath == b.Devpath {
		return true
	}
	// 5. a is an ancestor of b (a.Devpath is a strict prefix of b.Devpath).
	if isStrictPathPrefix(a.Devpath, b.Devpath) {
		return true
	}
	// 6. b is an ancestor of a.
	if isStrictPathPrefix(b.Devpath, a.Devpath) {
		return true
	}
	return false
}

// isStrictPathPrefix reports whether prefix is a strict ancestor of full,
// i.e. full == prefix + "/" + something.
func isStrictPathPrefix(prefix, full string) bool {
	if prefix == "" || len(prefix) >= len(full) {
		return false
	}
	return strings.HasPrefix(full, prefix) && full[len(prefix)] == '/'
}

// indexOfLocked returns the slice index of the event with the given
// seqnum, or -1 if not present. Callers must hold q.mu.
func (q *Queue) indexOfLocked(seqnum uint64) int {
	for i, e := range q.events {
		if e.Seqnum == seqnum {
			return i
		}
	}
	return -1
}

// Attach transitions e to Running under worker id wid. The caller (the
// worker pool) is responsible for ensuring e was runnable.
func (q *Queue) Attach(e *event.Event, wid event.WorkerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.State = event.Running
	e.Worker = wid
}

// Detach clears e's worker back-reference and returns it to Queued. The
// worker pool does not call it: a failed send to an idle worker is
// retried by Pool.Dispatch before the event is ever attached.
func (q *Queue) Detach(e *event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.State = event.Queued
	e.Worker = event.NoWorker
}

// Remove deletes the event with the given seqnum from the queue (its
// completion has been observed). Returns false if no such event exists.
func (q *Queue) Remove(seqnum uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOfLocked(seqnum)
	if idx < 0 {
		return false
	}
	q.events = append(q.events[:idx], q.events[idx+1:]...)

	if len(q.events) == 0 {
		_ = q.removeMarker()
	}
	return true
}

// MatchState selects which events Cleanup removes.
type MatchState int

const (
	// MatchAny removes every event regardless of state.
	MatchAny MatchState = iota
	MatchQueued
	MatchRunning
)

// Cleanup removes every event matching state, detaching any worker
// back-reference as it goes. It returns the removed events so the caller
// can forward their frozen kernel-side clones and free any attached
// workers. The Supervisor calls it during the exit drain (spec §4.1).
func (q *Queue) Cleanup(state MatchState) []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*event.Event
	kept := q.events[:0:0]
	for _, e := range q.events {
		matches := state == MatchAny ||
			(state == MatchQueued && e.State == event.Queued) ||
			(state == MatchRunning && e.State == event.Running)

		if matches {
			e.Worker = event.NoWorker
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	q.events = kept

	if len(q.events) == 0 {
		_ = q.removeMarker()
	}
	return removed
}

// MarkerExists reports whether the on-disk queue marker is currently
// present. Only the owner process should call this (spec §3).
func (q *Queue) MarkerExists() bool {
	if q.markerPath == "" {
		return false
	}
	_, err := os.Stat(q.markerPath)
	return err == nil
}

func (q *Queue) touchMarker() error {
	if q.markerPath == "" || os.Getpid() != q.ownerPID {
		return nil
	}
	f, err := os.OpenFile(q.markerPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create queue marker %q: %w", q.markerPath, err)
	}
	return f.Close()
}

func (q *Queue) removeMarker() error {
	if q.markerPath == "" || os.Getpid() != q.ownerPID {
		return nil
	}
	if err := os.Remove(q.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove queue marker %q: %w", q.markerPath, err)
	}
	return nil
}
