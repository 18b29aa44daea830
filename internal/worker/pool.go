package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tripwire/udevd/internal/event"
	"github.com/tripwire/udevd/internal/ruleengine"
)

// Config configures a Pool.
type Config struct {
	// ExecPath is the manager's own binary, re-exec'd for each worker
	// (SPEC_FULL §6). Normally os.Executable().
	ExecPath string
	// RulesFile is passed through to the child so it can construct its
	// own ruleengine/builtin.Engine independently (no shared memory with
	// the Supervisor's rule engine instance).
	RulesFile string
	// CompletionSockPath is the shared SOCK_DGRAM socket every worker
	// sends completion datagrams to.
	CompletionSockPath string
	// BlockdevReadOnly is passed through to every spawned worker
	// (config.Config.BlockdevReadOnly, spec §4.3).
	BlockdevReadOnly bool
	// ChildrenMax is the absolute cap on simultaneous workers.
	ChildrenMax int
	// EventTimeout is the kill-timer duration (spec §4.2).
	EventTimeout time.Duration
	// WarningFraction sets the warning timer at EventTimeout * fraction;
	// spec §9 leaves the exact fraction implementation-defined, subject
	// only to "strictly between 0 and the kill timeout".
	WarningFraction float64
	// TimeoutSignal is sent to a worker whose event exceeds EventTimeout.
	TimeoutSignal syscall.Signal
	Logger        *slog.Logger
}

// CompletionEvent is a parsed worker completion, tagged with the id of
// the Worker the Supervisor should match it against.
type CompletionEvent struct {
	Worker  event.WorkerID
	Seqnum  uint64
	Status  string
	Outcome ruleengine.Outcome
}

// ExitEvent reports that a worker process has exited, substituting for
// spec §4.2's SIGCHLD-driven reap loop: Go's os/exec already reaps its
// own children through Wait, so one goroutine per spawned process
// (started in spawn) plays the role of the reap loop without this
// package touching signal.Notify(syscall.SIGCHLD) directly.
type ExitEvent struct {
	Worker event.WorkerID
	Err    error
}

// TimerEvent is a fired per-event warning or kill timer.
type TimerEvent struct {
	Worker event.WorkerID
	Kill   bool // false = warning, true = kill
}

// Pool is the bounded worker pool (spec §4.2). Safe for concurrent use;
// in production only the Supervisor's consumer goroutine calls its
// mutating methods, while Completions/Exits/Timers feed that goroutine's
// select loop from background readers.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	workers map[event.WorkerID]*Worker
	logOnce bool // true once the "pool saturated" log line has fired

	completionFd int
	completions  chan CompletionEvent
	exits        chan ExitEvent
	timers       chan TimerEvent

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Pool and starts its background completion-reader
// goroutine.
func New(cfg Config) (*Pool, error) {
	fd, err := newCompletionListener(cfg.CompletionSockPath)
	if err != nil {
		return nil, err
	}
	if cfg.WarningFraction <= 0 || cfg.WarningFraction >= 1 {
		cfg.WarningFraction = 0.75
	}

	p := &Pool{
		cfg:          cfg,
		workers:      make(map[event.WorkerID]*Worker),
		completionFd: fd,
		completions:  make(chan CompletionEvent, 64),
		exits:        make(chan ExitEvent, 64),
		timers:       make(chan TimerEvent, 64),
		done:         make(chan struct{}),
	}
	go p.readCompletions()
	return p, nil
}

func (p *Pool) Completions() <-chan CompletionEvent { return p.completions }
func (p *Pool) Exits() <-chan ExitEvent             { return p.exits }
func (p *Pool) Timers() <-chan TimerEvent           { return p.timers }

// Len reports the current pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SetChildrenMax updates the cap. Per SPEC_FULL's resolution of the
// §9 open question, the pool never eagerly terminates workers when the
// new cap is lower than the current size; it simply stops spawning new
// ones until attrition brings the pool back under the cap.
func (p *Pool) SetChildrenMax(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.ChildrenMax = n
	p.logOnce = false
}

// Dispatch implements spec §4.2's dispatch algorithm for one runnable
// event: reuse an idle worker, else spawn a new one if under cap, else
// do nothing (the next completion will re-enter dispatch).
func (p *Pool) Dispatch(e *event.Event, rctx ruleengine.RuleContext) error {
	p.mu.Lock()
	var idle *Worker
	for _, w := range p.workers {
		if w.State == StateIdle {
			idle = w
			break
		}
	}
	p.mu.Unlock()

	if idle != nil {
		if err := writeDeviceMessage(idle.deviceFd, e.Device, rctx); err != nil {
			p.cfg.Logger.Warn("worker: send to idle worker failed, killing it",
				slog.Any("worker", idle.ID), slog.Any("error", err))
			p.killOne(idle, true)
			return p.Dispatch(e, rctx) // retry against the next candidate
		}
		p.attach(idle, e)
		return nil
	}

	p.mu.Lock()
	atCap := len(p.workers) >= p.cfg.ChildrenMax
	p.mu.Unlock()
	if atCap {
		p.mu.Lock()
		if !p.logOnce {
			p.cfg.Logger.Warn("worker: pool saturated, deferring dispatch", slog.Int("children_max", p.cfg.ChildrenMax))
			p.logOnce = true
		}
		p.mu.Unlock()
		return nil
	}

	w, err := p.spawn()
	if err != nil {
		return fmt.Errorf("worker: spawn: %w", err)
	}
	if err := writeDeviceMessage(w.deviceFd, e.Device, rctx); err != nil {
		return fmt.Errorf("worker: handshake with newly spawned worker: %w", err)
	}
	p.attach(w, e)
	return nil
}

// attach marks w Running against e, on both sides of the weak
// back-reference: w.Event so the pool can find e given a worker id, and
// e.Worker (spec §3's "sole source of truth for is this event Running")
// so the queue's IsBusy/NextRunnable scan sees it without the caller
// having to thread the assigned worker id back through a separate call.
func (p *Pool) attach(w *Worker, e *event.Event) {
	p.mu.Lock()
	w.State = StateRunning
	w.Event = e
	e.State = event.Running
	e.Worker = w.ID
	w.warningTimer = time.AfterFunc(time.Duration(float64(p.cfg.EventTimeout)*p.cfg.WarningFraction), func() {
		select {
		case p.timers <- TimerEvent{Worker: w.ID, Kill: false}:
		case <-p.done:
		}
	})
	w.killTimer = time.AfterFunc(p.cfg.EventTimeout, func() {
		select {
		case p.timers <- TimerEvent{Worker: w.ID, Kill: true}:
		case <-p.done:
		}
	})
	p.mu.Unlock()
}

func (p *Pool) disarm(w *Worker) {
	if w.warningTimer != nil {
		w.warningTimer.Stop()
	}
	if w.killTimer != nil {
		w.killTimer.Stop()
	}
}

// spawn forks (re-execs) a new worker process and returns it in StateIdle
// with no event attached; the caller immediately hands it its first
// device via Dispatch's own writeDeviceMessage call, matching spec §4.2
// step 2's "spawn a new worker and hand it the first device through the
// IPC handshake" as a single atomic-from-the-Supervisor's-view operation.
func (p *Pool) spawn() (*Worker, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("worker: socketpair: %w", err)
	}
	parentFd, childFd := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFd), "device-handoff-child")
	args := []string{
		"-worker-fd=3",
		"-worker-completion-sock=" + p.cfg.CompletionSockPath,
		"-worker-rules-file=" + p.cfg.RulesFile,
	}
	if p.cfg.BlockdevReadOnly {
		args = append(args, "-worker-blockdev-read-only")
	}
	cmd := exec.Command(p.cfg.ExecPath, args...)
	cmd.ExtraFiles = []*os.File{childFile}

	if err := cmd.Start(); err != nil {
		syscall.Close(parentFd)
		syscall.Close(childFd)
		return nil, fmt.Errorf("worker: start child: %w", err)
	}
	childFile.Close() // parent's copy of the child's fd is no longer needed

	w := &Worker{
		ID:       event.WorkerID(cmd.Process.Pid),
		State:    StateIdle,
		cmd:      cmd,
		deviceFd: parentFd,
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		select {
		case p.exits <- ExitEvent{Worker: w.ID, Err: err}:
		case <-p.done:
		}
	}()

	return w, nil
}

// HandleCompletion processes one parsed completion datagram: detaches
// the event, disarms its timers, and transitions the worker to Idle
// (or Killed→terminated if it was already marked Killing).
func (p *Pool) HandleCompletion(c CompletionEvent) {
	p.mu.Lock()
	w, ok := p.workers[c.Worker]
	p.mu.Unlock()
	if !ok {
		return
	}

	p.disarm(w)

	p.mu.Lock()
	w.Event = nil
	if w.State == StateKilling {
		p.mu.Unlock()
		p.killOne(w, false)
		return
	}
	w.State = StateIdle
	p.mu.Unlock()
}

// HandleExit processes an ExitEvent: frees the worker entirely. The
// caller (Supervisor) is responsible for the rest of spec §4.2's
// reaping step (deleting persisted state and forwarding the frozen
// kernel-side clone) using the event the worker had attached, which the
// Supervisor must capture before calling HandleExit if it needs it.
func (p *Pool) HandleExit(wid event.WorkerID) {
	p.mu.Lock()
	w, ok := p.workers[wid]
	if ok {
		delete(p.workers, wid)
	}
	p.mu.Unlock()
	if ok {
		p.disarm(w)
		syscall.Close(w.deviceFd)
	}
}

// AttachedEvent returns the event currently attached to wid, or nil.
func (p *Pool) AttachedEvent(wid event.WorkerID) *event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[wid]; ok {
		return w.Event
	}
	return nil
}

// HandleTimer processes a fired warning or kill timer.
func (p *Pool) HandleTimer(t TimerEvent) {
	p.mu.Lock()
	w, ok := p.workers[t.Worker]
	p.mu.Unlock()
	if !ok {
		return
	}
	if !t.Kill {
		p.cfg.Logger.Warn("worker: event approaching timeout", slog.Any("worker", w.ID))
		return
	}
	p.cfg.Logger.Error("worker: event timed out, killing worker", slog.Any("worker", w.ID))
	p.killOne(w, true)
}

// killOne sends cfg.TimeoutSignal (or SIGTERM for a soft kill) to w and
// marks it Killed. force distinguishes an immediate kill from marking a
// Running worker Killing for a deferred kill on its next completion.
func (p *Pool) killOne(w *Worker, force bool) {
	p.mu.Lock()
	state := w.State
	p.mu.Unlock()

	if !force && state == StateRunning {
		p.mu.Lock()
		w.State = StateKilling
		p.mu.Unlock()
		return
	}

	sig := p.cfg.TimeoutSignal
	if sig == 0 || !force {
		sig = syscall.SIGTERM
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(sig)
	}
	p.mu.Lock()
	w.State = StateKilled
	p.mu.Unlock()
}

// KillWorkers implements spec §4.2's kill_workers(force): force kills
// every worker immediately; a soft kill marks Running workers Killing
// (deferred) and kills Idle workers immediately.
func (p *Pool) KillWorkers(force bool) {
	p.mu.Lock()
	all := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.Unlock()

	for _, w := range all {
		if force {
			p.killOne(w, true)
			continue
		}
		p.mu.Lock()
		st := w.State
		p.mu.Unlock()
		if st == StateRunning {
			p.killOne(w, false)
		} else if st == StateIdle {
			p.killOne(w, true)
		}
	}
}

// SweepIdle implements the idle-reaper timer's action (spec §4.2): a
// soft kill_workers(force=false) sweep, called by the Supervisor on its
// idle-workers timer tick.
func (p *Pool) SweepIdle() {
	p.KillWorkers(false)
}

// Shutdown stops the completion reader goroutine and closes the
// completion socket. Call once, after all workers have been reaped.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.done)
		syscall.Close(p.completionFd)
	})
}

func (p *Pool) readCompletions() {
	for {
		msg, pid, err := recvCompletion(p.completionFd)
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			p.cfg.Logger.Error("worker: completion recv error", slog.Any("error", err))
			continue
		}

		outcome := ruleengine.Outcome{Properties: msg.Properties, Symlinks: msg.Symlinks, Mode: msg.Mode, WantWatch: msg.WantWatch}
		switch msg.Status {
		case statusBusy:
			outcome.Classification = ruleengine.Busy
		case statusFatal:
			outcome.Classification = ruleengine.Fatal
			if msg.ErrMsg != "" {
				outcome.Err = errors.New(msg.ErrMsg)
			}
		default:
			outcome.Classification = ruleengine.OK
		}

		select {
		case p.completions <- CompletionEvent{
			Worker:  event.WorkerID(pid),
			Seqnum:  msg.Seqnum,
			Status:  msg.Status,
			Outcome: outcome,
		}:
		case <-p.done:
			return
		}
	}
}
