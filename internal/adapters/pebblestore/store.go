// Package pebblestore implements ports.IngestStore on a local pebble database.
//
// Key layout:
//
//	rec/<id>                    zstd-compressed JSON IngestRecord
//	slc/<slice key>             JSON SliceCompletion
//	dlq/<purged unix nanos>/<id> JSON DeadLetter
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

var (
	prefixRecord     = []byte("rec/")
	prefixCompletion = []byte("slc/")
	prefixDeadLetter = []byte("dlq/")
)

// Store is an IngestStore backed by pebble.
type Store struct {
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	// completionMu serializes read-modify-write of completion rows.
	completionMu sync.Mutex
}

// Open opens (creating if needed) the pebble database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(2))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.dec.Close()
	s.enc.Close()
	return s.db.Close()
}

// UpsertRecords writes all records in one synced batch.
func (s *Store) UpsertRecords(ctx context.Context, records []domain.IngestRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, r := range records {
		if r.ID == "" {
			return errors.New("upsert record: empty id")
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		if err := b.Set(recordKey(r.ID), s.enc.EncodeAll(data, nil), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// GetRecord returns the record stored under id.
func (s *Store) GetRecord(ctx context.Context, id string) (domain.IngestRecord, bool, error) {
	raw, ok, err := s.get(recordKey(id))
	if err != nil || !ok {
		return domain.IngestRecord{}, false, err
	}
	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return domain.IngestRecord{}, false, fmt.Errorf("decompress record %s: %w", id, err)
	}
	var r domain.IngestRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.IngestRecord{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, true, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	it, err := s.db.NewIter(prefixOptions(prefixRecord))
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		n++
	}
	return n, it.Error()
}

// GetSliceCompletion returns the completion row for slice.
func (s *Store) GetSliceCompletion(ctx context.Context, slice domain.TimeSlice) (domain.SliceCompletion, bool, error) {
	raw, ok, err := s.get(completionKey(slice))
	if err != nil || !ok {
		return domain.SliceCompletion{}, false, err
	}
	var c domain.SliceCompletion
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.SliceCompletion{}, false, fmt.Errorf("decode completion %s: %w", slice, err)
	}
	return c, true, nil
}

// SetSliceCompletion overwrites the completion row for c.Slice.
func (s *Store) SetSliceCompletion(ctx context.Context, c domain.SliceCompletion) error {
	s.completionMu.Lock()
	defer s.completionMu.Unlock()
	return s.putCompletion(c)
}

// UpdateSliceCompletion applies fn to the current row under the store's
// completion lock.
func (s *Store) UpdateSliceCompletion(ctx context.Context, slice domain.TimeSlice, fn ports.CompletionUpdate) (domain.SliceCompletion, error) {
	if err := ctx.Err(); err != nil {
		return domain.SliceCompletion{}, err
	}
	s.completionMu.Lock()
	defer s.completionMu.Unlock()

	current, exists, err := s.GetSliceCompletion(ctx, slice)
	if err != nil {
		return domain.SliceCompletion{}, err
	}
	if !exists {
		current = domain.SliceCompletion{Slice: slice}
	}
	next := fn(current, exists)
	next.Slice = slice
	if err := s.putCompletion(next); err != nil {
		return domain.SliceCompletion{}, err
	}
	return next, nil
}

// ListSliceCompletions returns every completion row with the given status,
// or all rows when status is empty, ordered by slice start.
func (s *Store) ListSliceCompletions(ctx context.Context, status domain.SliceStatus) ([]domain.SliceCompletion, error) {
	it, err := s.db.NewIter(prefixOptions(prefixCompletion))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []domain.SliceCompletion
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var c domain.SliceCompletion
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode completion %q: %w", it.Key(), err)
		}
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	return out, it.Error()
}

// AppendDeadLetter stores dl keyed by purge time.
func (s *Store) AppendDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.CommandID, err)
	}
	return s.db.Set(deadLetterKey(dl.PurgedAt, dl.CommandID), data, pebble.Sync)
}

// ListDeadLetters returns dead letters purged at or after since.
func (s *Store) ListDeadLetters(ctx context.Context, since time.Time) ([]domain.DeadLetter, error) {
	opts := prefixOptions(prefixDeadLetter)
	if !since.IsZero() {
		opts.LowerBound = deadLetterKey(since, "")
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []domain.DeadLetter
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal(it.Value(), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %q: %w", it.Key(), err)
		}
		out = append(out, dl)
	}
	return out, it.Error()
}

func (s *Store) putCompletion(c domain.SliceCompletion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode completion %s: %w", c.Slice, err)
	}
	return s.db.Set(completionKey(c.Slice), data, pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func recordKey(id string) []byte {
	return append(append([]byte(nil), prefixRecord...), id...)
}

func completionKey(slice domain.TimeSlice) []byte {
	return append(append([]byte(nil), prefixCompletion...), slice.Key()...)
}

func deadLetterKey(purgedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixDeadLetter, purgedAt.UnixNano(), id))
}

// prefixOptions bounds an iterator to keys starting with prefix.
func prefixOptions(prefix []byte) *pebble.IterOptions {
	upper := bytes.Clone(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

var _ ports.IngestStore = (*Store)(nil)
