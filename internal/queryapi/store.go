// Package queryapi implements the read-only REST query surface described
// in SPEC_FULL §4.10: a chi router serving device state, dispatch
// history, and hash-chained audit entries to operators and dashboards.
// It runs on its own listener and goroutine and never touches the
// Manager, queue, or worker pool directly — it only ever reads from
// statestore and auditstore, so a slow or
// misbehaving client can never affect dispatch.
package queryapi

import (
	"context"
	"time"

	"github.com/tripwire/udevd/internal/auditstore"
	"github.com/tripwire/udevd/internal/device"
)

// DeviceStore is the subset of statestore.Store used by the device
// listing endpoint.
type DeviceStore interface {
	List(ctx context.Context, subsystem string) ([]*device.Device, error)
	Get(ctx context.Context, devpath string) (*device.Device, error)
	Count() int
}

// HistoryStore is the subset of auditstore.Store used by the event and
// audit query endpoints.
type HistoryStore interface {
	QueryEvents(ctx context.Context, q auditstore.EventQuery) ([]auditstore.EventRecord, error)
	QueryAuditEntries(ctx context.Context, from, to time.Time) ([]auditstore.AuditRecord, error)
}
