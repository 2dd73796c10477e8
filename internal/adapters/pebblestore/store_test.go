package pebblestore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/niftysave/internal/domain"
)

var base = time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func slice(startSec, endSec int) domain.TimeSlice {
	return domain.TimeSlice{
		Start: base.Add(time.Duration(startSec) * time.Second),
		End:   base.Add(time.Duration(endSec) * time.Second),
	}
}

func record(id string, s domain.TimeSlice) domain.IngestRecord {
	return domain.IngestRecord{
		ID:         id,
		Kind:       domain.EntityMint,
		Slice:      s,
		Timestamp:  s.Start,
		Payload:    json.RawMessage(`{"tokenURI":"ipfs://bafy/` + id + `"}`),
		IngestedAt: base,
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sl := slice(0, 50)

	page := []domain.IngestRecord{record("0x1", sl), record("0x2", sl), record("0x3", sl)}
	require.NoError(t, s.UpsertRecords(ctx, page))
	require.NoError(t, s.UpsertRecords(ctx, page))

	n, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, ok, err := s.GetRecord(ctx, "0x2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EntityMint, got.Kind)
	assert.JSONEq(t, `{"tokenURI":"ipfs://bafy/0x2"}`, string(got.Payload))
	assert.True(t, got.Slice.Equal(sl))
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.GetRecord(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetSliceCompletion(ctx, slice(0, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UpsertRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertRecords(context.Background(), []domain.IngestRecord{record("", slice(0, 1))})
	assert.Error(t, err)
}

func TestStore_Completions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SetSliceCompletion(ctx, domain.NewSliceCompletion(slice(0, 50), base)))
	require.NoError(t, s.SetSliceCompletion(ctx, domain.NewSliceCompletion(slice(50, 100), base).MarkComplete(base)))

	got, ok, err := s.GetSliceCompletion(ctx, slice(50, 100))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SliceComplete, got.Status)

	pending, err := s.ListSliceCompletions(ctx, domain.SlicePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Slice.Equal(slice(0, 50)))

	all, err := s.ListSliceCompletions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_UpdateSliceCompletionIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sl := slice(0, 50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateSliceCompletion(ctx, sl, func(c domain.SliceCompletion, exists bool) domain.SliceCompletion {
				if !exists {
					c = domain.NewSliceCompletion(sl, base)
				}
				c.Attempts++
				return c
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, ok, err := s.GetSliceCompletion(ctx, sl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, got.Attempts)
}

func TestStore_DeadLettersSince(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendDeadLetter(ctx, domain.DeadLetter{
			CommandID: id,
			Kind:      domain.KindExecute,
			Slice:     slice(i*10, i*10+10),
			Attempt:   5,
			Reason:    domain.PurgeAttemptsExhausted,
			PurgedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.ListDeadLetters(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].CommandID)

	recent, err := s.ListDeadLetters(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].CommandID)
	assert.Equal(t, "c", recent[1].CommandID)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store")

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRecords(ctx, []domain.IngestRecord{record("0x1", slice(0, 1))}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.GetRecord(ctx, "0x1")
	require.NoError(t, err)
	assert.True(t, ok)
}
