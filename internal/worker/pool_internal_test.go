package worker

import (
	"log/slog"
	"testing"

	"github.com/tripwire/udevd/internal/event"
)

func newTestPool(childrenMax int) *Pool {
	return &Pool{
		cfg:         Config{ChildrenMax: childrenMax, Logger: slog.Default()},
		workers:     make(map[event.WorkerID]*Worker),
		completions: make(chan CompletionEvent, 8),
		exits:       make(chan ExitEvent, 8),
		timers:      make(chan TimerEvent, 8),
		done:        make(chan struct{}),
	}
}

func TestHandleCompletion_RunningToIdle(t *testing.T) {
	p := newTestPool(4)
	w := &Worker{ID: 100, State: StateRunning, Event: &event.Event{Seqnum: 1}}
	p.workers[w.ID] = w

	p.HandleCompletion(CompletionEvent{Worker: 100, Seqnum: 1, Status: statusOK})

	if w.State != StateIdle {
		t.Errorf("State = %v, want Idle", w.State)
	}
	if w.Event != nil {
		t.Error("Event not cleared on completion")
	}
}

func TestHandleCompletion_KillingWorkerIsTerminated(t *testing.T) {
	p := newTestPool(4)
	w := &Worker{ID: 101, State: StateKilling, Event: &event.Event{Seqnum: 2}}
	p.workers[w.ID] = w

	p.HandleCompletion(CompletionEvent{Worker: 101, Seqnum: 2, Status: statusOK})

	if w.State != StateKilled {
		t.Errorf("State = %v, want Killed (deferred kill should fire on completion)", w.State)
	}
}

func TestKillWorkers_SoftKillMarksRunningKillingAndKillsIdleImmediately(t *testing.T) {
	p := newTestPool(4)
	running := &Worker{ID: 1, State: StateRunning}
	idle := &Worker{ID: 2, State: StateIdle}
	p.workers[running.ID] = running
	p.workers[idle.ID] = idle

	p.KillWorkers(false)

	if running.State != StateKilling {
		t.Errorf("running worker State = %v, want Killing (deferred)", running.State)
	}
	if idle.State != StateKilled {
		t.Errorf("idle worker State = %v, want Killed (immediate)", idle.State)
	}
}

func TestKillWorkers_ForceKillsEveryoneImmediately(t *testing.T) {
	p := newTestPool(4)
	running := &Worker{ID: 1, State: StateRunning}
	idle := &Worker{ID: 2, State: StateIdle}
	p.workers[running.ID] = running
	p.workers[idle.ID] = idle

	p.KillWorkers(true)

	if running.State != StateKilled || idle.State != StateKilled {
		t.Errorf("force kill did not terminate all workers: %v %v", running.State, idle.State)
	}
}

func TestHandleExit_RemovesWorkerFromMap(t *testing.T) {
	p := newTestPool(4)
	w := &Worker{ID: 5, State: StateKilled, deviceFd: -1}
	p.workers[w.ID] = w

	p.HandleExit(5)

	if _, ok := p.workers[5]; ok {
		t.Error("worker still present in map after HandleExit")
	}
}

func TestSetChildrenMax_DoesNotEagerlyTerminate(t *testing.T) {
	p := newTestPool(2)
	w1 := &Worker{ID: 1, State: StateRunning}
	w2 := &Worker{ID: 2, State: StateRunning}
	p.workers[1] = w1
	p.workers[2] = w2

	p.SetChildrenMax(1)

	if w1.State != StateRunning || w2.State != StateRunning {
		t.Error("lowering children_max must not eagerly kill existing workers (SPEC_FULL open-question resolution)")
	}
	if p.cfg.ChildrenMax != 1 {
		t.Errorf("ChildrenMax = %d, want 1", p.cfg.ChildrenMax)
	}
}

func TestAttachedEvent(t *testing.T) {
	p := newTestPool(4)
	e := &event.Event{Seqnum: 9}
	p.workers[7] = &Worker{ID: 7, State: StateRunning, Event: e}

	if got := p.AttachedEvent(7); got != e {
		t.Errorf("AttachedEvent = %v, want %v", got, e)
	}
	if got := p.AttachedEvent(999); got != nil {
		t.Errorf("AttachedEvent(missing) = %v, want nil", got)
	}
}
