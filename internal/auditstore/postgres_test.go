//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/auditstore/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package auditstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/udevd/internal/auditstore"
)

// setupDB starts a PostgreSQL container and opens a Store against it,
// applying the package's baked-in schema (no external migration files,
// unlike the dashboard-style store this package is grounded on).
func setupDB(t *testing.T) (*auditstore.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("udevd_test"),
		tcpostgres.WithUsername("udevd"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := auditstore.Open(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("auditstore.Open: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestBatchInsertEventsFlushesAndQueries(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := auditstore.EventRecord{
		Seqnum:       1,
		Devpath:      "/devices/virtual/block/sda",
		Subsystem:    "block",
		Devname:      "sda",
		Action:       "add",
		Outcome:      "ok",
		Properties:   json.RawMessage(`{"ID_BUS":"scsi"}`),
		DispatchedAt: now,
	}
	if err := store.BatchInsertEvents(ctx, rec); err != nil {
		t.Fatalf("BatchInsertEvents: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := store.QueryEvents(ctx, auditstore.EventQuery{
		From: now.Add(-time.Minute),
		To:   now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 || events[0].Devpath != rec.Devpath {
		t.Fatalf("QueryEvents = %+v, want one row for %q", events, rec.Devpath)
	}
}

func TestBatchInsertEventsAutoFlushesAtBatchSize(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := int64(1); i <= 10; i++ {
		rec := auditstore.EventRecord{
			Seqnum:       i,
			Devpath:      "/devices/virtual/block/sdb",
			Subsystem:    "block",
			Action:       "add",
			Outcome:      "ok",
			DispatchedAt: now,
		}
		if err := store.BatchInsertEvents(ctx, rec); err != nil {
			t.Fatalf("BatchInsertEvents(%d): %v", i, err)
		}
	}

	events, err := store.QueryEvents(ctx, auditstore.EventQuery{
		Devpath: "/devices/virtual/block/sdb",
		From:    now.Add(-time.Minute),
		To:      now.Add(time.Minute),
		Limit:   20,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("QueryEvents returned %d rows, want 10 (batch size auto-flush)", len(events))
	}
}

func TestInsertAndQueryAuditEntries(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := auditstore.AuditRecord{
		Seq:       1,
		Timestamp: now,
		Payload:   json.RawMessage(`{"kind":"dispatch"}`),
		PrevHash:  "0000000000000000000000000000000000000000000000000000000000000000",
		EventHash: "abc123",
	}
	if err := store.InsertAuditEntry(ctx, entry); err != nil {
		t.Fatalf("InsertAuditEntry: %v", err)
	}

	entries, err := store.QueryAuditEntries(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryAuditEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].EventHash != "abc123" {
		t.Fatalf("QueryAuditEntries = %+v, want one row with event_hash abc123", entries)
	}
}
