// Package eventstore persists decoded syscalls into a DuckDB table so a
// trace can be queried after the traced program is gone.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/syscat/internal/consumer"
	"github.com/coral-mesh/syscat/internal/duckdb"
	syserrors "github.com/coral-mesh/syscat/internal/errors"
)

// TableName is the table holding the events.
const TableName = "syscall_events"

// DefaultBatchSize is the number of events buffered before a flush.
const DefaultBatchSize = 256

// Event is one stored decoding milestone.
type Event struct {
	ID        string    `duckdb:"id,pk"`
	Session   string    `duckdb:"session"`
	Kind      string    `duckdb:"kind"`
	Timestamp time.Time `duckdb:"timestamp"`
	Process   string    `duckdb:"process"`
	PID       uint64    `duckdb:"pid"`
	TID       uint64    `duckdb:"tid"`
	Syscall   string    `duckdb:"syscall"`
	// Fields holds the decoded fields as a JSON object.
	Fields    string `duckdb:"fields"`
	Callers   string `duckdb:"callers"`
	Returned  string `duckdb:"returned"`
	ErrorKind string `duckdb:"error_kind"`
	Message   string `duckdb:"message"`
}

// FromRecord converts a consumer record into a stored event.
func FromRecord(rec consumer.Record) (*Event, error) {
	ev := &Event{
		ID:        uuid.NewString(),
		Session:   rec.Session,
		Kind:      rec.Kind,
		Timestamp: rec.Timestamp.UTC(),
		Process:   rec.Process,
		PID:       rec.PID,
		TID:       rec.TID,
		Syscall:   rec.Syscall,
		Callers:   strings.Join(rec.Callers, "\n"),
		Returned:  rec.ReturnedText,
		ErrorKind: rec.ErrorKind,
		Message:   rec.Message,
	}
	if len(rec.Fields) > 0 {
		data, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fields of %s: %w", rec.Syscall, err)
		}
		ev.Fields = string(data)
	}
	return ev, nil
}

// Options configures a Store.
type Options struct {
	// DSN is a database file path. Empty opens an in-memory database.
	DSN string
	// BatchSize is the number of events buffered before they are written.
	// One or less writes every event immediately.
	BatchSize int
}

// Store writes events to DuckDB.
type Store struct {
	logger    zerolog.Logger
	db        *sql.DB
	table     *duckdb.Table[Event]
	batchSize int

	mu      sync.Mutex
	pending []*Event
}

// Open opens the database and creates the event table.
func Open(ctx context.Context, logger zerolog.Logger, opts Options) (*Store, error) {
	logger = logger.With().Str("component", "eventstore").Logger()

	db, err := duckdb.OpenDB(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	s := &Store{
		logger:    logger,
		db:        db,
		table:     duckdb.NewTable[Event](db, TableName),
		batchSize: opts.BatchSize,
	}
	if s.batchSize == 0 {
		s.batchSize = DefaultBatchSize
	}
	if err := s.table.CreateTable(ctx); err != nil {
		syserrors.DeferClose(logger, db, "failed to close event store")
		return nil, err
	}

	logger.Debug().Str("dsn", opts.DSN).Int("batch_size", s.batchSize).Msg("Event store opened")
	return s, nil
}

// Append stores rec, buffering it when batching is enabled or when the
// write fails.
func (s *Store) Append(ctx context.Context, rec consumer.Record) error {
	ev, err := FromRecord(rec)
	if err != nil {
		return err
	}
	if s.batchSize <= 1 {
		if err := s.table.Insert(ctx, ev); err != nil {
			// Kept for the flush on Close.
			s.mu.Lock()
			s.pending = append(s.pending, ev)
			s.mu.Unlock()
			return err
		}
		return nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered events in one transaction. Events that could
// not be written stay buffered for the next Flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := s.write(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return err
	}

	s.logger.Debug().Int("events", len(batch)).Msg("Events flushed")
	return nil
}

func (s *Store) write(ctx context.Context, batch []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer syserrors.DeferRollback(s.logger, tx)

	if err := duckdb.NewTable[Event](tx, TableName).BatchInsert(ctx, batch); err != nil {
		return fmt.Errorf("failed to write %d events: %w", len(batch), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the database.
func (s *Store) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close event store: %w", err)
	}
	return flushErr
}

// Query selects stored events. Zero fields match everything.
type Query struct {
	Session string
	Kind    string
	Syscall string
	PID     uint64
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Events returns the events matching q, oldest first.
func (s *Store) Events(ctx context.Context, q Query) ([]*Event, error) {
	b := duckdb.NewQueryBuilder(TableName).
		Eq("session", q.Session).
		Eq("kind", q.Kind).
		Eq("syscall", q.Syscall).
		OrderBy("timestamp", "tid").
		Limit(q.Limit)
	if q.PID != 0 {
		b.Eq("pid", q.PID)
	}
	if !q.Since.IsZero() {
		b.Gte("timestamp", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		b.Lte("timestamp", q.Until.UTC())
	}
	return s.table.Query(ctx, b)
}

// SyscallCount summarizes one syscall of a session.
type SyscallCount struct {
	Syscall string
	Calls   int64
	Errors  int64
}

// Counts returns per-syscall call and decode error counts, busiest first.
func (s *Store) Counts(ctx context.Context, session string) ([]SyscallCount, error) {
	query, args, err := duckdb.NewQueryBuilder(TableName).
		Select(
			"syscall",
			"COUNT(*) FILTER (WHERE kind = 'invoked') AS calls",
			"COUNT(*) FILTER (WHERE kind = 'error') AS errors",
		).
		Eq("session", session).
		GroupBy("syscall").
		OrderBy("-calls", "syscall").
		Build()
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("query", duckdb.InterpolateQuery(query, args)).Msg("Counting syscalls")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count syscalls: %w", err)
	}
	defer syserrors.DeferClose(s.logger, rows, "failed to close rows")

	var counts []SyscallCount
	for rows.Next() {
		var c SyscallCount
		if err := rows.Scan(&c.Syscall, &c.Calls, &c.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Sessions lists the stored session ids, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	query, args := duckdb.NewQueryBuilder(TableName).
		Select("session", "MAX(timestamp) AS last_seen").
		GroupBy("session").
		OrderBy("-last_seen").
		MustBuild()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer syserrors.DeferClose(s.logger, rows, "failed to close rows")

	var sessions []string
	for rows.Next() {
		var session string
		var last time.Time
		if err := rows.Scan(&session, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
