// Package postgres implements ports.IngestStore and ports.CursorRepository on
// PostgreSQL through database/sql and lib/pq.
//
// Slice boundaries are stored as unix nanoseconds so they round-trip exactly;
// timestamptz only keeps microseconds.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS nft_records (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	slice_start BIGINT NOT NULL,
	slice_end   BIGINT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS slice_completions (
	slice_start BIGINT NOT NULL,
	slice_end   BIGINT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (slice_start, slice_end)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	command_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	slice_start BIGINT NOT NULL,
	slice_end   BIGINT NOT NULL,
	cursor      TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	last_error  TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL,
	purged_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (command_id, purged_at)
);

CREATE INDEX IF NOT EXISTS dead_letters_purged_at ON dead_letters (purged_at);

CREATE TABLE IF NOT EXISTS ingest_cursor (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	position        BIGINT NOT NULL,
	slices_enqueued BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
`

// Store is an IngestStore and CursorRepository backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables the store needs.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRecords writes records in one transaction, replacing rows with the same id.
func (s *Store) UpsertRecords(ctx context.Context, records []domain.IngestRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nft_records (id, kind, slice_start, slice_end, ts, payload, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			slice_start = EXCLUDED.slice_start,
			slice_end = EXCLUDED.slice_end,
			ts = EXCLUDED.ts,
			payload = EXCLUDED.payload,
			ingested_at = EXCLUDED.ingested_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" {
			return errors.New("upsert record: empty id")
		}
		payload := r.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if _, err := stmt.ExecContext(ctx, r.ID, string(r.Kind),
			r.Slice.Start.UnixNano(), r.Slice.End.UnixNano(),
			r.Timestamp, []byte(payload), r.IngestedAt); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// GetRecord returns the record stored under id.
func (s *Store) GetRecord(ctx context.Context, id string) (domain.IngestRecord, bool, error) {
	var (
		r          domain.IngestRecord
		kind       string
		start, end int64
		payload    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, slice_start, slice_end, ts, payload, ingested_at
		FROM nft_records WHERE id = $1
	`, id).Scan(&r.ID, &kind, &start, &end, &r.Timestamp, &payload, &r.IngestedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IngestRecord{}, false, nil
		}
		return domain.IngestRecord{}, false, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	r.Kind = domain.EntityKind(kind)
	r.Slice = sliceFromNanos(start, end)
	r.Payload = json.RawMessage(payload)
	r.Timestamp = r.Timestamp.UTC()
	r.IngestedAt = r.IngestedAt.UTC()
	return r, true, nil
}

// GetSliceCompletion returns the completion row for slice.
func (s *Store) GetSliceCompletion(ctx context.Context, slice domain.TimeSlice) (domain.SliceCompletion, bool, error) {
	return getCompletion(ctx, s.db, slice, false)
}

// SetSliceCompletion overwrites the completion row for c.Slice.
func (s *Store) SetSliceCompletion(ctx context.Context, c domain.SliceCompletion) error {
	return putCompletion(ctx, s.db, c)
}

// UpdateSliceCompletion applies fn to the current row inside a transaction
// that holds the row lock.
func (s *Store) UpdateSliceCompletion(ctx context.Context, slice domain.TimeSlice, fn ports.CompletionUpdate) (domain.SliceCompletion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SliceCompletion{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Materialize a placeholder so there is a row to lock; concurrent inserts
	// wait on the primary key until this transaction ends.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slice_completions (slice_start, slice_end, status, updated_at)
		VALUES ($1, $2, '', now())
		ON CONFLICT (slice_start, slice_end) DO NOTHING
	`, slice.Start.UnixNano(), slice.End.UnixNano()); err != nil {
		return domain.SliceCompletion{}, fmt.Errorf("failed to reserve completion %s: %w", slice, err)
	}

	current, _, err := getCompletion(ctx, tx, slice, true)
	if err != nil {
		return domain.SliceCompletion{}, err
	}
	exists := current.Status != ""
	if !exists {
		current = domain.SliceCompletion{Slice: slice}
	}

	next := fn(current, exists)
	next.Slice = slice
	if err := putCompletion(ctx, tx, next); err != nil {
		return domain.SliceCompletion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SliceCompletion{}, fmt.Errorf("failed to commit completion %s: %w", slice, err)
	}
	return next, nil
}

// AppendDeadLetter inserts dl; appending the same purge twice is a no-op.
func (s *Store) AppendDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (command_id, kind, slice_start, slice_end, cursor,
			attempt, reason, last_error, enqueued_at, purged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (command_id, purged_at) DO NOTHING
	`, dl.CommandID, string(dl.Kind), dl.Slice.Start.UnixNano(), dl.Slice.End.UnixNano(),
		string(dl.Cursor), dl.Attempt, string(dl.Reason), dl.LastError, dl.EnqueuedAt, dl.PurgedAt)
	if err != nil {
		return fmt.Errorf("failed to append dead letter %s: %w", dl.CommandID, err)
	}
	return nil
}

// ListDeadLetters returns dead letters purged at or after since.
func (s *Store) ListDeadLetters(ctx context.Context, since time.Time) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, kind, slice_start, slice_end, cursor, attempt, reason,
			last_error, enqueued_at, purged_at
		FROM dead_letters
		WHERE purged_at >= $1
		ORDER BY purged_at, command_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl                   domain.DeadLetter
			kind, cursor, reason string
			start, end           int64
		)
		if err := rows.Scan(&dl.CommandID, &kind, &start, &end, &cursor, &dl.Attempt,
			&reason, &dl.LastError, &dl.EnqueuedAt, &dl.PurgedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Kind = domain.CommandKind(kind)
		dl.Slice = sliceFromNanos(start, end)
		dl.Cursor = domain.Cursor(cursor)
		dl.Reason = domain.PurgeReason(reason)
		dl.EnqueuedAt = dl.EnqueuedAt.UTC()
		dl.PurgedAt = dl.PurgedAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Load retrieves the ingest cursor. Returns an empty cursor if none was saved.
func (s *Store) Load(ctx context.Context) (domain.IngestCursor, error) {
	var (
		c        domain.IngestCursor
		position int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, slices_enqueued, updated_at FROM ingest_cursor WHERE id = 1
	`).Scan(&position, &c.SlicesEnqueued, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IngestCursor{}, nil
		}
		return domain.IngestCursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	c.Position = time.Unix(0, position).UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Save persists the ingest cursor.
func (s *Store) Save(ctx context.Context, c domain.IngestCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_cursor (id, position, slices_enqueued, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			slices_enqueued = EXCLUDED.slices_enqueued,
			updated_at = EXCLUDED.updated_at
	`, c.Position.UnixNano(), c.SlicesEnqueued, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCompletion(ctx context.Context, q queryer, slice domain.TimeSlice, forUpdate bool) (domain.SliceCompletion, bool, error) {
	query := `
		SELECT status, attempts, last_error, updated_at
		FROM slice_completions WHERE slice_start = $1 AND slice_end = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c := domain.SliceCompletion{Slice: slice}
	var status string
	err := q.QueryRowContext(ctx, query, slice.Start.UnixNano(), slice.End.UnixNano()).
		Scan(&status, &c.Attempts, &c.LastError, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SliceCompletion{}, false, nil
		}
		return domain.SliceCompletion{}, false, fmt.Errorf("failed to load completion %s: %w", slice, err)
	}
	if status == "" && !forUpdate {
		// Placeholder from an in-progress update.
		return domain.SliceCompletion{}, false, nil
	}
	c.Status = domain.SliceStatus(status)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, true, nil
}

func putCompletion(ctx context.Context, q queryer, c domain.SliceCompletion) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO slice_completions (slice_start, slice_end, status, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slice_start, slice_end) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, c.Slice.Start.UnixNano(), c.Slice.End.UnixNano(), string(c.Status), c.Attempts, c.LastError, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save completion %s: %w", c.Slice, err)
	}
	return nil
}

func sliceFromNanos(start, end int64) domain.TimeSlice {
	return domain.TimeSlice{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}
}

var (
	_ ports.IngestStore      = (*Store)(nil)
	_ ports.CursorRepository = (*Store)(nil)
)
