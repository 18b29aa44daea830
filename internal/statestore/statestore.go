// Package statestore provides a WAL-mode SQLite-backed store of per-devpath
// device state for the udevd manager. It implements the persisted side of
// spec §4.2's reaping step: when a worker exits non-zero or is killed, the
// Supervisor deletes that device's row here before forwarding the frozen
// kernel-side clone downstream, so the store always reflects only devices
// whose most recent rule application is known-good.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the
// read-mostly QueryAPI (SPEC_FULL §4.10) can query concurrently with the
// Supervisor's single writer goroutine without blocking either side.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tripwire/udevd/internal/device"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Store is a WAL-mode SQLite-backed device state store. Safe for concurrent
// use.
type Store struct {
	db    *sql.DB
	count atomic.Int64
}

const ddl = `
CREATE TABLE IF NOT EXISTS device_state (
    devpath    TEXT PRIMARY KEY,
    subsystem  TEXT NOT NULL,
    devname    TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    seqnum     INTEGER NOT NULL,
    properties TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL
);
`

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %q: %w", path, err)
	}

	// SQLite allows only one writer; the Supervisor is already
	// single-threaded on the write path, so a single connection avoids
	// "database is locked" errors without any extra coordination.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: apply schema: %w", err)
	}

	s := &Store{db: db}
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM device_state`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: count rows: %w", err)
	}
	s.count.Store(n)
	return s, nil
}

// Upsert records dev's current state, replacing any prior row for the same
// devpath. Called after a successful rule application.
func (s *Store) Upsert(ctx context.Context, dev *device.Device) error {
	props, err := json.Marshal(dev.Properties)
	if err != nil {
		return fmt.Errorf("statestore: marshal properties: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state (devpath, subsystem, devname, action, seqnum, properties, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(devpath) DO UPDATE SET
		   subsystem=excluded.subsystem, devname=excluded.devname, action=excluded.action,
		   seqnum=excluded.seqnum, properties=excluded.properties, updated_at=excluded.updated_at`,
		dev.Devpath, dev.Subsystem, dev.Devname, string(dev.Action), dev.Seqnum, string(props),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("statestore: upsert %q: %w", dev.Devpath, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		// A ROWID UPSERT always reports 1 row affected whether it inserted
		// or updated; recompute the true count from a fresh query so Count
		// never drifts from the authoritative value across a long run.
		s.refreshCount(ctx)
	}
	return nil
}

// Delete removes the persisted row for devpath. Called on worker-fatal
// (spec §4.2) so that a crashed worker's last (possibly partial) state is
// never mistaken for a successful rule application.
func (s *Store) Delete(ctx context.Context, devpath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_state WHERE devpath = ?`, devpath); err != nil {
		return fmt.Errorf("statestore: delete %q: %w", devpath, err)
	}
	s.refreshCount(ctx)
	return nil
}

// Get returns the persisted state for devpath, or nil if none exists.
func (s *Store) Get(ctx context.Context, devpath string) (*device.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT devpath, subsystem, devname, action, seqnum, properties FROM device_state WHERE devpath = ?`, devpath)

	var dev device.Device
	var action, props string
	if err := row.Scan(&dev.Devpath, &dev.Subsystem, &dev.Devname, &action, &dev.Seqnum, &props); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: get %q: %w", devpath, err)
	}
	dev.Action = device.Action(action)
	if err := json.Unmarshal([]byte(props), &dev.Properties); err != nil {
		dev.Properties = nil
	}
	return &dev, nil
}

// List returns every tracked device, optionally filtered by exact
// subsystem, ordered by devpath. Used by the QueryAPI's device listing
// endpoint (SPEC_FULL §4.10).
func (s *Store) List(ctx context.Context, subsystem string) ([]*device.Device, error) {
	query := `SELECT devpath, subsystem, devname, action, seqnum, properties FROM device_state`
	args := []any{}
	if subsystem != "" {
		query += ` WHERE subsystem = ?`
		args = append(args, subsystem)
	}
	query += ` ORDER BY devpath`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}
	defer rows.Close()

	var devices []*device.Device
	for rows.Next() {
		var dev device.Device
		var action, props string
		if err := rows.Scan(&dev.Devpath, &dev.Subsystem, &dev.Devname, &action, &dev.Seqnum, &props); err != nil {
			return nil, fmt.Errorf("statestore: scan: %w", err)
		}
		dev.Action = device.Action(action)
		if err := json.Unmarshal([]byte(props), &dev.Properties); err != nil {
			dev.Properties = nil
		}
		devices = append(devices, &dev)
	}
	return devices, rows.Err()
}

// Count returns the number of devices currently tracked.
func (s *Store) Count() int {
	return int(s.count.Load())
}

func (s *Store) refreshCount(ctx context.Context) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_state`).Scan(&n); err == nil {
		s.count.Store(n)
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
