// Package sink implements the EventSink fan-out described in SPEC_FULL
// §4.9: every dispatched device event is handed to a fixed set of
// independent downstream sinks (hash-chained audit log, SQLite device
// state, durable PostgreSQL history, live WebSocket feed, and an optional
// gRPC forward to a remote fleet aggregator). Each sink's failure is
// logged and otherwise does not affect the others or the dispatch loop
// that drives them; the Supervisor calls Send once per dispatch decision
// and moves on regardless of how many sinks succeeded.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/udevd/internal/audit"
	"github.com/tripwire/udevd/internal/auditstore"
	"github.com/tripwire/udevd/internal/device"
	"github.com/tripwire/udevd/internal/sink/grpcforward"
	"github.com/tripwire/udevd/internal/statestore"
	"github.com/tripwire/udevd/internal/wsfeed"
)

// Record describes one dispatch decision to be fanned out to every sink.
// Outcome is one of "ok", "busy" (the device node was lock-contended), or
// "failed" (a fatal rule result, or a worker that exited or was killed
// with the event still attached; SPEC_FULL §4.2's reaping outcomes).
type Record struct {
	Dev          *device.Device
	Outcome      string
	DispatchedAt time.Time
}

// Sink receives every dispatched Record. Implementations must not block
// the caller for long; slow downstream systems should buffer internally
// (as wsfeed and grpcforward already do) rather than apply back-pressure
// to the dispatch loop.
type Sink interface {
	Send(ctx context.Context, rec Record) error
	// Name identifies the sink in logs.
	Name() string
}

// Fanout is the composite EventSink wired into the Supervisor. It always
// carries the audit log and state store (the two sinks the rest of the
// system depends on for correctness: L3-style reversibility of device
// state and tamper-evident history); the durable Postgres store, the
// WebSocket broadcaster, and the gRPC forwarder are optional and simply
// omitted from Sinks when not configured.
type Fanout struct {
	Sinks  []Sink
	logger *slog.Logger
}

// NewFanout builds a Fanout over sinks, logging failures via logger (or
// slog.Default() if nil).
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{Sinks: sinks, logger: logger}
}

// Send delivers rec to every configured sink, independently. A failing
// sink is logged with its name and does not prevent the remaining sinks
// from running.
func (f *Fanout) Send(ctx context.Context, rec Record) {
	for _, s := range f.Sinks {
		if err := s.Send(ctx, rec); err != nil {
			f.logger.Warn("sink: delivery failed",
				slog.String("sink", s.Name()),
				slog.String("devpath", rec.Dev.Devpath),
				slog.Any("error", err),
			)
		}
	}
}

// --- audit log sink ---------------------------------------------------

// AuditSink appends every Record to a hash-chained audit.Logger.
type AuditSink struct {
	Logger *audit.Logger
}

func (a *AuditSink) Name() string { return "audit" }

func (a *AuditSink) Send(_ context.Context, rec Record) error {
	payload, err := json.Marshal(recordPayload(rec))
	if err != nil {
		return err
	}
	_, err = a.Logger.Append(payload)
	return err
}

// --- device state sink -------------------------------------------------

// StateSink keeps statestore in sync with each dispatch decision: a
// successful outcome upserts the frozen kernel-side device record, any
// other outcome deletes the row so the store never reflects a device
// whose most recent rule application is known-bad (spec §4.2 reaping).
type StateSink struct {
	Store *statestore.Store
}

func (s *StateSink) Name() string { return "statestore" }

func (s *StateSink) Send(ctx context.Context, rec Record) error {
	if rec.Outcome == "ok" {
		return s.Store.Upsert(ctx, rec.Dev)
	}
	return s.Store.Delete(ctx, rec.Dev.Devpath)
}

// --- durable Postgres history sink -------------------------------------

// HistorySink batches every Record into auditstore for the REST query API.
type HistorySink struct {
	Store *auditstore.Store
}

func (h *HistorySink) Name() string { return "auditstore" }

func (h *HistorySink) Send(ctx context.Context, rec Record) error {
	props, err := json.Marshal(rec.Dev.Properties)
	if err != nil {
		return err
	}
	return h.Store.BatchInsertEvents(ctx, auditstore.EventRecord{
		Seqnum:       int64(rec.Dev.Seqnum),
		Devpath:      rec.Dev.Devpath,
		Subsystem:    rec.Dev.Subsystem,
		Devname:      rec.Dev.Devname,
		Action:       string(rec.Dev.Action),
		Outcome:      rec.Outcome,
		Properties:   props,
		DispatchedAt: rec.DispatchedAt,
	})
}

// --- live WebSocket feed sink -------------------------------------------

// LiveFeedSink publishes every Record to connected dashboard viewers.
type LiveFeedSink struct {
	Broadcaster *wsfeed.Broadcaster
}

func (l *LiveFeedSink) Name() string { return "wsfeed" }

func (l *LiveFeedSink) Send(_ context.Context, rec Record) error {
	l.Broadcaster.Publish(wsfeed.EventData{
		Seqnum:     rec.Dev.Seqnum,
		Devpath:    rec.Dev.Devpath,
		Subsystem:  rec.Dev.Subsystem,
		Devname:    rec.Dev.Devname,
		Action:     string(rec.Dev.Action),
		Outcome:    rec.Outcome,
		Timestamp:  rec.DispatchedAt.UTC().Format(time.RFC3339),
		Properties: rec.Dev.Properties,
	})
	return nil
}

// --- gRPC fleet-forward sink --------------------------------------------

// ForwardSink forwards every Record to a remote fleet aggregator. Send
// never blocks on network I/O: it only enqueues onto the Forwarder's
// buffered internal channel, and fails if that buffer is full or the
// forwarder has stopped (best-effort per SPEC_FULL §4.9).
type ForwardSink struct {
	Forwarder *grpcforward.Forwarder
}

func (g *ForwardSink) Name() string { return "grpcforward" }

func (g *ForwardSink) Send(ctx context.Context, rec Record) error {
	return g.Forwarder.Send(ctx, grpcforward.EventFrame{
		Seqnum:       rec.Dev.Seqnum,
		Devpath:      rec.Dev.Devpath,
		Subsystem:    rec.Dev.Subsystem,
		Devname:      rec.Dev.Devname,
		Action:       string(rec.Dev.Action),
		Outcome:      rec.Outcome,
		Properties:   rec.Dev.Properties,
		DispatchedAt: rec.DispatchedAt,
	})
}

// auditPayload is the JSON shape written to the audit log for each
// dispatch decision. TraceID is a synthetic identifier independent of
// Seqnum: seqnums reset to 0 across a kernel reboot, so correlating an
// audit entry with a forwarded gRPC frame or a dashboard alert across
// restarts needs an identifier that is globally unique instead of merely
// monotonic.
type auditPayload struct {
	TraceID    string            `json:"trace_id"`
	Seqnum     uint64            `json:"seqnum"`
	Devpath    string            `json:"devpath"`
	Subsystem  string            `json:"subsystem"`
	Devname    string            `json:"devname,omitempty"`
	Action     string            `json:"action"`
	Outcome    string            `json:"outcome"`
	Properties map[string]string `json:"properties,omitempty"`
}

func recordPayload(rec Record) auditPayload {
	return auditPayload{
		TraceID:    uuid.NewString(),
		Seqnum:     rec.Dev.Seqnum,
		Devpath:    rec.Dev.Devpath,
		Subsystem:  rec.Dev.Subsystem,
		Devname:    rec.Dev.Devname,
		Action:     string(rec.Dev.Action),
		Outcome:    rec.Outcome,
		Properties: rec.Dev.Properties,
	}
}
