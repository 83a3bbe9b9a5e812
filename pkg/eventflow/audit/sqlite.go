package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrSinkClosed indicates the sink has been closed.
var ErrSinkClosed = errors.New("audit sink closed")

// SQLiteSink persists audit records to SQLite.
//
// Record never blocks on the database: records go through a bounded queue
// drained by one writer goroutine. When the queue is full the record is
// dropped and counted.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger

	queue   chan sqliteOp
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Int64
}

// sqliteOp is either a record to insert or a flush barrier.
type sqliteOp struct {
	rec   Record
	flush chan struct{}
}

// SQLiteOption configures a SQLiteSink.
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	queueSize int
	logger    *slog.Logger
}

// WithQueueSize sets the number of records buffered ahead of the writer.
// Default: 1024
func WithQueueSize(n int) SQLiteOption {
	return func(c *sqliteConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithSinkLogger sets the logger used to report write failures.
func WithSinkLogger(logger *slog.Logger) SQLiteOption {
	return func(c *sqliteConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewSQLiteSink opens (or creates) the audit database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteSink(path string, opts ...SQLiteOption) (*SQLiteSink, error) {
	cfg := sqliteConfig{queueSize: 1024, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared between writer and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			classification TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '{}'
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_audit_records_subject
		ON audit_records(subject)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: cfg.logger,
		queue:  make(chan sqliteOp, cfg.queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record implements Sink. It never blocks.
func (s *SQLiteSink) Record(_ context.Context, rec Record) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- sqliteOp{rec: rec}:
	default:
		s.dropped.Add(1)
	}
}

// Flush waits until every record queued before the call has been written.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrSinkClosed
	}
	barrier := make(chan struct{})
	select {
	case s.queue <- sqliteOp{flush: barrier}:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many records were discarded because the queue was full
// or the sink was closed.
func (s *SQLiteSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	for op := range s.queue {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		if err := s.insert(op.rec); err != nil {
			s.logger.Warn("audit write failed",
				slog.String("audit_id", op.rec.ID),
				slog.String("kind", string(op.rec.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *SQLiteSink) insert(rec Record) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if rec.Attributes == nil {
		attrs = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO audit_records
			(id, timestamp, kind, subject, action, classification, error, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Kind),
		rec.Subject, rec.Action, rec.Classification, rec.Error, string(attrs))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Query returns the persisted records about subject, oldest first.
// Call Flush first to observe records that are still queued.
func (s *SQLiteSink) Query(ctx context.Context, subject string) ([]Record, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, ErrSinkClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, kind, subject, action, classification, error, attributes
		FROM audit_records
		WHERE subject = ?
		ORDER BY timestamp, rowid
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			timestamp string
			kind      string
			attrs     string
		)
		if err := rows.Scan(&rec.ID, &timestamp, &kind, &rec.Subject, &rec.Action,
			&rec.Classification, &rec.Error, &attrs); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if attrs != "" && attrs != "{}" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

// Close drains the queue, waits for the writer, and closes the database.
// Closing twice is safe.
func (s *SQLiteSink) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	<-s.done
	return s.db.Close()
}

var _ Sink = (*SQLiteSink)(nil)
