// Package supervisor implements the main event loop (spec §4.6): a
// single consumer goroutine that owns all Manager state and drives
// every transition — dispatch, reaping, timers, reload, and the exit
// drain sequence. Every other source (netlink, inotify, control socket,
// worker pool, OS signals) is fanned by one pump goroutine into a
// structured message on one channel this loop selects on; the idle-reaper
// timer and the rule-freshness ticker are selected by the loop directly.
// No lock is ever held while mutating Manager state (SPEC_FULL §5).
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/udevd/internal/control"
	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/event"
	"github.com/tripwire/udevd/internal/lock"
	"github.com/tripwire/udevd/internal/manager"
	"github.com/tripwire/udevd/internal/queue"
	"github.com/tripwire/udevd/internal/ruleengine"
	"github.com/tripwire/udevd/internal/sink"
	"github.com/tripwire/udevd/internal/worker"
)

// idleSweepPeriod is the idle-reaper timer's period (spec §4.2: "period
// ≈ 3 seconds"), re-armed each time the queue empties with idle workers
// present.
const idleSweepPeriod = 3 * time.Second

// ruleFreshnessPeriod is how often the loop calls Rules.Validate() to
// pick up an on-disk rule change before the next dispatch (SPEC_FULL
// §4.7's "Validate backs the 3-second freshness check").
const ruleFreshnessPeriod = 3 * time.Second

// EventSource is the subset of eventsource.Source (and
// inotifywatch.Watcher) the loop consumes: a channel of device records
// plus lifecycle control. Kept as an interface so tests can substitute a
// fake source without a real netlink socket.
type EventSource interface {
	Events() <-chan *device.Device
	Stop()
}

// Supervisor owns the Manager and drains every source into dispatch
// decisions. Construct with New and run with Run.
type Supervisor struct {
	mgr     *manager.Manager
	logger  *slog.Logger
	sinks   *sink.Fanout
	control *control.Server

	netlinkSrc EventSource
	inotifySrc EventSource

	msgs chan message
}

// message is the single envelope type every source writes onto msgs.
// Exactly one field is set per value.
type message struct {
	device     *device.Device
	control    *control.Message
	signal     os.Signal
	completion *worker.CompletionEvent
	exit       *worker.ExitEvent
	timer      *worker.TimerEvent
}

// New constructs a Supervisor. ctrl, netlinkSrc, and inotifySrc may each
// be nil if that source is disabled (e.g. in a test that only exercises
// dispatch against directly-enqueued devices).
func New(mgr *manager.Manager, logger *slog.Logger, sinks *sink.Fanout, ctrl *control.Server, netlinkSrc, inotifySrc EventSource) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		mgr:        mgr,
		logger:     logger,
		sinks:      sinks,
		control:    ctrl,
		netlinkSrc: netlinkSrc,
		inotifySrc: inotifySrc,
		msgs:       make(chan message, 1),
	}
}

// Run drives the loop until ctx is cancelled or an EXIT control command
// has fully drained the worker pool. It returns once the pool is empty
// and every source has been detached, per spec §4.6's exit sequence.
func (s *Supervisor) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// The pump outlives ctx so that worker exits still reach the loop
	// during the exit drain; it stops when Run returns.
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	go s.pump(pumpCtx, sigCh)

	idleTimer := time.NewTimer(idleSweepPeriod)
	idleTimer.Stop()
	freshnessTicker := time.NewTicker(ruleFreshnessPeriod)
	defer freshnessTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.beginExitDrain()
		case <-idleTimer.C:
			s.handleIdleSweep()
		case <-freshnessTicker.C:
			s.handleRuleFreshness()
		case m := <-s.msgs:
			s.handle(m)
		}

		if s.postIteration(idleTimer) {
			return
		}
	}
}

// pump fans every background source into the single msgs channel.
func (s *Supervisor) pump(ctx context.Context, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			s.send(ctx, message{signal: sig})
		case dev, ok := <-srcOrNil(s.netlinkSrc):
			if !ok {
				continue
			}
			s.send(ctx, message{device: dev})
		case dev, ok := <-srcOrNil(s.inotifySrc):
			if !ok {
				continue
			}
			s.send(ctx, message{device: dev})
		case cm, ok := <-controlOrNil(s.control):
			if !ok {
				continue
			}
			// Idle priority: forward device records already pending on the
			// netlink and inotify sources before this control message.
			for pending := true; pending; {
				var dev *device.Device
				select {
				case dev, pending = <-srcOrNil(s.netlinkSrc):
				case dev, pending = <-srcOrNil(s.inotifySrc):
				default:
					pending = false
				}
				if pending {
					s.send(ctx, message{device: dev})
				}
			}
			c := cm
			s.send(ctx, message{control: &c})
		case c, ok := <-s.mgr.Pool.Completions():
			if !ok {
				continue
			}
			cc := c
			s.send(ctx, message{completion: &cc})
		case e, ok := <-s.mgr.Pool.Exits():
			if !ok {
				continue
			}
			ee := e
			s.send(ctx, message{exit: &ee})
		case t, ok := <-s.mgr.Pool.Timers():
			if !ok {
				continue
			}
			tt := t
			s.send(ctx, message{timer: &tt})
		}
	}
}

// send delivers m to the consumer loop, blocking if msgs is momentarily
// full (the consumer is mid-iteration). Nothing is ever dropped: every
// source is at-least-once per spec §4.6. Aborts early if ctx is
// cancelled so pump can still exit once the loop has stopped consuming.
func (s *Supervisor) send(ctx context.Context, m message) {
	select {
	case s.msgs <- m:
	case <-ctx.Done():
	}
}

func srcOrNil(src EventSource) <-chan *device.Device {
	if src == nil {
		return nil
	}
	return src.Events()
}

func controlOrNil(c *control.Server) <-chan control.Message {
	if c == nil {
		return nil
	}
	return c.Messages()
}

// handle dispatches one message to its specific handler.
func (s *Supervisor) handle(m message) {
	switch {
	case m.device != nil:
		s.handleDevice(m.device)
	case m.control != nil:
		s.handleControl(*m.control)
	case m.signal != nil:
		s.handleSignal(m.signal)
	case m.completion != nil:
		s.handleCompletion(*m.completion)
	case m.exit != nil:
		s.handleExit(*m.exit)
	case m.timer != nil:
		s.handleTimer(*m.timer)
	}
}

// handleDevice implements the enqueue half of dispatch: append to the
// queue, then attempt to run the head of the runnable chain.
func (s *Supervisor) handleDevice(dev *device.Device) {
	if _, err := s.mgr.Queue.Enqueue(dev); err != nil {
		s.logger.Warn("supervisor: enqueue failed", slog.Any("error", err), slog.String("devpath", dev.Devpath))
		return
	}
	s.dispatchRunnable()
}

// dispatchRunnable implements spec §4.2's dispatch algorithm: while
// dispatch is enabled and there is a runnable event, hand it to the pool.
func (s *Supervisor) dispatchRunnable() {
	if !s.mgr.DispatchEnabled() {
		return
	}
	props := s.mgr.Properties()
	for {
		e := s.mgr.Queue.NextRunnable()
		if e == nil {
			return
		}
		rctx := ruleengine.RuleContext{Properties: props}
		if !lock.Skip(e.Device) {
			rctx.DevNodePath = "/dev/" + e.Device.WholeDiskDevname()
		}
		if err := s.mgr.Pool.Dispatch(e, rctx); err != nil {
			s.logger.Error("supervisor: dispatch failed", slog.Any("error", err), slog.Uint64("seqnum", e.Seqnum))
			return
		}
		// Dispatch attaches e.Worker/e.State directly (pool.attach) when
		// it succeeds; a saturated pool leaves e untouched and still
		// Queued, so NextRunnable would return the same event again —
		// stop here rather than spin.
		if !e.IsRunning() {
			return
		}
	}
}

// handleCompletion processes a worker completion: updates queue/device
// state per the outcome's classification and forwards downstream, then
// frees the worker for reuse and attempts further dispatch.
func (s *Supervisor) handleCompletion(c worker.CompletionEvent) {
	e := s.mgr.Pool.AttachedEvent(c.Worker)
	s.mgr.Pool.HandleCompletion(c)

	if e == nil {
		return
	}

	outcome := "ok"
	rec := e.Device
	switch c.Outcome.Classification {
	case ruleengine.Busy:
		// Dropped at the scheduler layer with no requeue (spec §4.3). A
		// busy completion never ran the rule engine to a conclusion, so
		// the verbatim kernel-side clone is forwarded rather than the
		// mutable copy (spec §6/§7, I6).
		outcome = "busy"
		rec = e.DeviceKernel
	case ruleengine.Fatal:
		outcome = "failed"
		rec = e.DeviceKernel
	}

	if c.Outcome.Classification == ruleengine.OK {
		for k, v := range c.Outcome.Properties {
			e.Device.Properties[k] = v
		}
	}

	s.maybeInstallWatch(e, c.Outcome)

	s.sinks.Send(context.Background(), sink.Record{Dev: rec, Outcome: outcome, DispatchedAt: time.Now()})
	s.mgr.Queue.Remove(e.Seqnum)
	s.dispatchRunnable()
}

// watchInstaller is the subset of *inotifywatch.Watcher the Supervisor
// needs to bridge a worker's lock-contention or OPTIONS="watch" signal
// back to the long-lived, Supervisor-owned watch loop. Workers are
// separate re-exec'd processes, so this is the only channel by which
// that signal can reach the watcher: it travels as a classification on
// the worker completion message, not a closure.
type watchInstaller interface {
	Watch(devpath, devnode string, partitions map[string]string) error
}

// maybeInstallWatch arms the inotify fallback for e's whole-disk node
// when the completion reports lock contention (spec §4.3's busy →
// inotify-watch step) or the matched rule explicitly asked for a watch
// via OPTIONS="watch" (ruleengine.Outcome.WantWatch), independent of any
// contention.
func (s *Supervisor) maybeInstallWatch(e *event.Event, out ruleengine.Outcome) {
	if out.Classification != ruleengine.Busy && !out.WantWatch {
		return
	}
	if lock.Skip(e.Device) {
		return
	}
	wi, ok := s.inotifySrc.(watchInstaller)
	if !ok {
		return
	}
	devnode := "/dev/" + e.Device.WholeDiskDevname()
	if err := wi.Watch(e.Device.Devpath, devnode, nil); err != nil {
		s.logger.Warn("supervisor: install inotify fallback watch failed", slog.Any("error", err), slog.String("devnode", devnode))
	}
}

// handleExit processes a worker process exit: the spec §4.2 reaping
// step. If the worker still had an event attached (it died mid-work
// rather than after a clean completion), delete persisted state and
// forward the frozen kernel-side clone.
func (s *Supervisor) handleExit(ev worker.ExitEvent) {
	e := s.mgr.Pool.AttachedEvent(ev.Worker)
	s.mgr.Pool.HandleExit(ev.Worker)

	if e == nil {
		return
	}

	s.sinks.Send(context.Background(), sink.Record{Dev: e.DeviceKernel, Outcome: "failed", DispatchedAt: time.Now()})
	s.mgr.Queue.Remove(e.Seqnum)
	s.dispatchRunnable()
}

// handleTimer processes a fired per-event warning or kill timer (spec
// §4.2); the pool itself logs and kills, nothing further is needed here
// beyond letting a freed slot attempt dispatch once the kill's
// subsequent exit arrives.
func (s *Supervisor) handleTimer(t worker.TimerEvent) {
	s.mgr.Pool.HandleTimer(t)
}

// handleSignal implements spec §4.6's signal table: SIGINT/SIGTERM begin
// the exit drain, SIGHUP triggers a reload.
func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		s.beginExitDrain()
	case syscall.SIGHUP:
		s.reload()
	}
}

// handleControl implements spec §4.5's control command table.
func (s *Supervisor) handleControl(m control.Message) {
	switch m.Kind {
	case control.SetLogLevel:
		// Log level is owned by the logger's handler, constructed outside
		// this package; acknowledging is sufficient here.
		m.Reply(true, "")
	case control.StopExecQueue:
		s.mgr.SetStopExecQueue(true)
		m.Reply(true, "")
	case control.StartExecQueue:
		s.mgr.SetStopExecQueue(false)
		m.Reply(true, "")
		s.dispatchRunnable()
	case control.Reload:
		s.reload()
		m.Reply(true, "")
	case control.SetEnv:
		key, value, remove := control.EnvKey(m.StrArg)
		s.mgr.ApplyEnv(key, value, remove)
		m.Reply(true, "")
	case control.SetChildrenMax:
		if m.IntArg <= 0 {
			m.Reply(false, "children_max must be positive")
			return
		}
		s.mgr.SetChildrenMax(m.IntArg)
		m.Reply(true, "")
		s.dispatchRunnable()
	case control.Ping:
		// Idle-priority: by the time this message is dequeued, every
		// netlink/inotify-sourced device ahead of it in msgs has already
		// been handled (spec §4.5).
		m.Reply(true, "")
	case control.Exit:
		m.Reply(true, "")
		s.beginExitDrain()
	default:
		s.logger.Warn("supervisor: unknown control message", slog.String("kind", string(m.Kind)))
	}
}

// reload implements RELOAD (spec §4.5/§4.6, law L1 idempotence): soft
// kill running workers (deferred until their current event completes) and
// kill idle ones. The Supervisor holds no compiled rules itself; each
// newly spawned worker loads the rule file on its own.
// Idempotent: calling it twice in a row with no intervening state change
// has the same observable effect as calling it once, since soft-killing
// an already-Killing or Idle-then-killed worker set is itself
// idempotent at the pool layer.
func (s *Supervisor) reload() {
	s.mgr.Pool.KillWorkers(false)
}

// handleIdleSweep implements the idle-reaper timer's action (spec §4.2):
// soft kill_workers(force=false).
func (s *Supervisor) handleIdleSweep() {
	s.mgr.Pool.SweepIdle()
}

// handleRuleFreshness calls Validate() so a changed rule file on disk is
// picked up before the next dispatch, without the Supervisor itself ever
// calling Apply (only a forked worker, with its own independently loaded
// Engine, does that).
func (s *Supervisor) handleRuleFreshness() {
	if !s.mgr.Rules.Validate() {
		s.logger.Warn("supervisor: rule set reload failed, continuing with previous rules")
	}
}

// beginExitDrain implements spec §4.6's EXIT sequence: detach sources
// first, drop queued events, force-kill running workers. The loop itself
// terminates once postIteration observes the pool is empty.
func (s *Supervisor) beginExitDrain() {
	if s.mgr.Exit() {
		return
	}
	s.mgr.RequestExit()

	if s.netlinkSrc != nil {
		s.netlinkSrc.Stop()
	}
	if s.inotifySrc != nil {
		s.inotifySrc.Stop()
	}
	if s.control != nil {
		s.control.Stop()
	}

	s.mgr.Queue.Cleanup(queue.MatchQueued)
	s.mgr.Pool.KillWorkers(true)
}

// postIteration implements spec §4.6's post-iteration hook: once exit has
// been requested, terminate the loop when the queue is empty and no
// workers remain; otherwise arm the idle sweep timer while the queue is
// empty and workers remain, and stop it in every other case. Returns true
// once the loop should stop.
func (s *Supervisor) postIteration(idleTimer *time.Timer) bool {
	empty := s.mgr.Queue.Len() == 0 && s.mgr.Pool.Len() == 0
	idleWithWorkers := s.mgr.Queue.Len() == 0 && s.mgr.Pool.Len() > 0

	if s.mgr.Exit() {
		if empty {
			s.mgr.Pool.Shutdown()
			return true
		}
		return false
	}

	if idleWithWorkers {
		idleTimer.Reset(idleSweepPeriod)
	} else {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
	}
	return false
}
