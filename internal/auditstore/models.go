// Package auditstore provides the PostgreSQL-backed durable event history
// for the REST query API (SPEC_FULL §4.9-§4.10): a long-horizon record of
// every dispatched device event, independent of the WAL-mode SQLite
// statestore's "current state only" view, plus a queryable copy of the
// hash-chained audit log.
package auditstore

import (
	"encoding/json"
	"time"
)

// EventRecord maps to the `device_events` table: one row per dispatched
// event, persisted after its worker completes (successfully or not).
type EventRecord struct {
	Seqnum     int64           `json:"seqnum"`
	Devpath    string          `json:"devpath"`
	Subsystem  string          `json:"subsystem"`
	Devname    string          `json:"devname,omitempty"`
	Action     string          `json:"action"`
	Outcome    string          `json:"outcome"` // "ok", "busy", "fatal"
	Properties json.RawMessage `json:"properties,omitempty"`
	DispatchedAt time.Time     `json:"dispatched_at"`
}

// AuditRecord maps to the `audit_entries` table, mirroring the on-disk
// hash-chained log (internal/audit) so the REST API can query history
// without re-scanning the JSONL file on every request.
type AuditRecord struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
type EventQuery struct {
	Devpath string // exact match, empty == no filter
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}
