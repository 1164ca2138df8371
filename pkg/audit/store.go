// Package audit keeps an append-only SQLite log of execution outcomes.
//
// Components hand outcomes to a Sink; the Store writes them from a single
// worker goroutine so callers never wait on the database. When the worker
// falls behind, new records are dropped and counted rather than blocking the
// dispatch path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"worldcore/pkg/logx"
	"worldcore/pkg/outcome"
)

// DefaultBuffer is the number of records queued before new ones are dropped.
const DefaultBuffer = 1024

// Sink receives terminal outcomes. Record must not block.
type Sink interface {
	Record(component, name string, o outcome.Outcome)
}

// Entry is one stored outcome.
type Entry struct {
	ID         string         `json:"id"`
	Component  string         `json:"component"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Elapsed    time.Duration  `json:"elapsed"`
	Error      string         `json:"error,omitempty"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`

	ack chan struct{} // flush marker, never stored
}

// Store is a SQLite-backed Sink.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Store struct {
	db     *sql.DB
	logger *logx.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan *Entry
	done    chan struct{}

	dropped atomic.Int64
}

// Open opens (creating if needed) the audit database at path and starts its writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		logger:  logx.NewLogger("audit"),
		entries: make(chan *Entry, DefaultBuffer),
		done:    make(chan struct{}),
	}
	go s.worker()
	s.logger.Info("audit log opened: %s", path)
	return s, nil
}

// Record implements Sink.
func (s *Store) Record(component, name string, o outcome.Outcome) {
	e := &Entry{
		ID:         uuid.NewString(),
		Component:  component,
		Name:       name,
		Status:     o.Status.String(),
		Elapsed:    o.Elapsed,
		Confidence: o.Confidence,
		Metadata:   o.Metadata,
		RecordedAt: time.Now().UTC(),
	}
	if err := o.Error(); err != nil {
		e.Error = err.Error()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.entries <- e:
	default:
		if s.dropped.Add(1)%100 == 1 {
			s.logger.Warn("audit buffer full, dropping records (%d dropped so far)", s.dropped.Load())
		}
	}
}

// Dropped returns how many records were discarded.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Store) worker() {
	defer close(s.done)
	for e := range s.entries {
		if e.ack != nil {
			close(e.ack)
			continue
		}
		if err := s.insert(e); err != nil {
			s.logger.Error("failed to write audit record %s: %v", e.ID, err)
		}
	}
}

func (s *Store) insert(e *Entry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			raw = []byte(`{}`)
		}
		metadata = raw
	}
	_, err := s.db.Exec(`
		INSERT INTO outcomes (id, component, name, status, elapsed_ms, error, confidence, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Component, e.Name, e.Status,
		float64(e.Elapsed)/float64(time.Millisecond),
		nullable(e.Error), e.Confidence, nullable(string(metadata)),
		e.RecordedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Recent returns up to limit entries, newest first, optionally filtered by component.
func (s *Store) Recent(ctx context.Context, component string, limit int) ([]Entry, error) {
	query := `SELECT id, component, name, status, elapsed_ms, error, confidence, metadata, recorded_at
		FROM outcomes`
	args := []any{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			elapsedMS  float64
			errText    sql.NullString
			metadata   sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.Component, &e.Name, &e.Status, &elapsedMS,
			&errText, &e.Confidence, &metadata, &recordedAt); err != nil {
			return nil, fmt.Errorf("audit row scan error: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMS * float64(time.Millisecond))
		e.Error = errText.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			e.RecordedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows error: %w", err)
	}
	return out, nil
}

// Counts returns outcome counts keyed by component then status.
func (s *Store) Counts(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component, status, COUNT(*) FROM outcomes GROUP BY component, status`)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var component, status string
		var n int
		if err := rows.Scan(&component, &status, &n); err != nil {
			return nil, fmt.Errorf("audit row scan error: %w", err)
		}
		if out[component] == nil {
			out[component] = make(map[string]int)
		}
		out[component][status] = n
	}
	return out, rows.Err()
}

// Flush waits until every record accepted before the call has been written, or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	ack := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.entries <- &Entry{ack: ack}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err() //nolint:wrapcheck // caller's own context error
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // caller's own context error
	}
}

// Close stops accepting records, drains the queue, and closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("audit writer did not drain before shutdown: %v", ctx.Err())
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	return nil
}
