package auditstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not yet reached
	// DefaultBatchSize, bounding the staleness an operator sees in the
	// REST query API during a quiet period.
	DefaultFlushInterval = 100 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS device_events (
	seqnum        BIGINT PRIMARY KEY,
	devpath       TEXT NOT NULL,
	subsystem     TEXT NOT NULL,
	devname       TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	properties    JSONB,
	dispatched_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_events_dispatched_at_idx ON device_events (dispatched_at);
CREATE INDEX IF NOT EXISTS device_events_devpath_idx ON device_events (devpath);

CREATE TABLE IF NOT EXISTS audit_entries (
	seq        BIGINT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL,
	prev_hash  TEXT NOT NULL,
	event_hash TEXT NOT NULL
);
`

// Store is the PostgreSQL-backed durable history for dispatched events and
// audit entries. Event insertion is batched exactly as the event-detail
// ingestion path this package's design is grounded on: callers enqueue
// individual EventRecords via BatchInsertEvents, which flushes either when
// the in-memory buffer reaches batchSize or when the background ticker
// fires, whichever comes first. Audit entries are rare enough (one per
// worker-fatal/dispatch decision) to insert immediately instead.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []EventRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Open opens a pgxpool connection to connStr, pings the database, applies
// the schema, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func Open(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("auditstore: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditstore: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]EventRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertEvents enqueues rec for deferred batch insertion. If the
// buffer reaches batchSize after appending, Flush is called synchronously
// so the caller observes back-pressure rather than unbounded growth.
func (s *Store) BatchInsertEvents(ctx context.Context, rec EventRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows conflicting on the primary key
// (seqnum) are silently ignored, making replay after a crash idempotent.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]EventRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO device_events
			(seqnum, devpath, subsystem, devname, action, outcome, properties, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		props := []byte(r.Properties)
		if props == nil {
			props = []byte("null")
		}
		b.Queue(query, r.Seqnum, r.Devpath, r.Subsystem, r.Devname, r.Action, r.Outcome, props, r.DispatchedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("auditstore: batch exec event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated events within [q.From, q.To) on
// dispatched_at, optionally filtered by exact devpath. Limit defaults to
// 100; Offset enables cursor-style pagination.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE dispatched_at >= $1 AND dispatched_at < $2"
	if q.Devpath != "" {
		where += " AND devpath = $5"
		args = append(args, q.Devpath)
	}

	sql := fmt.Sprintf(`
		SELECT seqnum, devpath, subsystem, devname, action, outcome, properties, dispatched_at
		FROM   device_events
		%s
		ORDER  BY dispatched_at DESC, seqnum DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var r EventRecord
		var props []byte
		if err := rows.Scan(&r.Seqnum, &r.Devpath, &r.Subsystem, &r.Devname, &r.Action, &r.Outcome, &props, &r.DispatchedAt); err != nil {
			return nil, fmt.Errorf("auditstore: scan event: %w", err)
		}
		r.Properties = props
		events = append(events, r)
	}
	return events, rows.Err()
}

// InsertAuditEntry persists a single hash-chained audit entry, mirroring
// internal/audit.Entry for queryability via the REST API.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (seq, ts, payload, prev_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		e.Seq, e.Timestamp, []byte(e.Payload), e.PrevHash, e.EventHash,
	)
	if err != nil {
		return fmt.Errorf("auditstore: insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries with ts in [from, to), ordered
// by seq ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, from, to time.Time) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, ts, payload, prev_hash, event_hash
		FROM   audit_entries
		WHERE  ts >= $1 AND ts < $2
		ORDER  BY seq ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditRecord
	for rows.Next() {
		var e AuditRecord
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &payload, &e.PrevHash, &e.EventHash); err != nil {
			return nil, fmt.Errorf("auditstore: scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
