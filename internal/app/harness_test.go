package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/niftysave/internal/adapters/boltqueue"
	"github.com/bft-labs/niftysave/internal/adapters/fs"
	"github.com/bft-labs/niftysave/internal/adapters/pebblestore"
	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

var epoch = time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func span(startSec, endSec int) domain.TimeSlice {
	return domain.TimeSlice{Start: at(startSec), End: at(endSec)}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires the real queue, store and cursor file on a temp dir.
type harness struct {
	clock   *fakeClock
	queue   *boltqueue.Queue
	store   *pebblestore.Store
	cursors *fs.CursorFileRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: epoch}

	q, err := boltqueue.Open(filepath.Join(dir, "queue.db"), boltqueue.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	s, err := pebblestore.Open(filepath.Join(dir, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &harness{
		clock:   clock,
		queue:   q,
		store:   s,
		cursors: fs.NewCursorFileRepository(dir),
	}
}

// queued returns the stored commands of kind ordered by slice start, then cursor.
func (h *harness) queued(t *testing.T, kind domain.CommandKind) []queuedSlice {
	t.Helper()
	var out []queuedSlice
	err := h.queue.Scan(context.Background(), func(c domain.QueuedCommand) error {
		if c.Kind != kind {
			return nil
		}
		s, cur, err := c.Slice()
		if err != nil {
			return err
		}
		out = append(out, queuedSlice{Slice: s, Cursor: cur, Cmd: c})
		return nil
	})
	require.NoError(t, err)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Slice.Start.Equal(out[j].Slice.Start) {
			return out[i].Slice.Start.Before(out[j].Slice.Start)
		}
		return out[i].Cursor < out[j].Cursor
	})
	return out
}

type queuedSlice struct {
	Slice  domain.TimeSlice
	Cursor domain.Cursor
	Cmd    domain.QueuedCommand
}

func (h *harness) completion(t *testing.T, s domain.TimeSlice) domain.SliceCompletion {
	t.Helper()
	c, ok, err := h.store.GetSliceCompletion(context.Background(), s)
	require.NoError(t, err)
	require.True(t, ok, "no completion row for %s", s)
	return c
}

// requireTiles fails unless slices are contiguous and cover parent exactly.
func requireTiles(t *testing.T, parent domain.TimeSlice, slices []domain.TimeSlice) {
	t.Helper()
	require.NotEmpty(t, slices)
	sorted := append([]domain.TimeSlice(nil), slices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	require.True(t, sorted[0].Start.Equal(parent.Start), "first slice starts at %s, want %s", sorted[0].Start, parent.Start)
	for i := 1; i < len(sorted); i++ {
		require.True(t, sorted[i-1].End.Equal(sorted[i].Start), "gap or overlap between %s and %s", sorted[i-1], sorted[i])
	}
	require.True(t, sorted[len(sorted)-1].End.Equal(parent.End), "last slice ends at %s, want %s", sorted[len(sorted)-1].End, parent.End)
}

// sourceFunc adapts a function to ports.SubgraphSource.
type sourceFunc func(ctx context.Context, slice domain.TimeSlice, cursor domain.Cursor, pageSize int) (ports.Page, error)

func (f sourceFunc) Query(ctx context.Context, slice domain.TimeSlice, cursor domain.Cursor, pageSize int) (ports.Page, error) {
	return f(ctx, slice, cursor, pageSize)
}

// memSource serves a fixed entity set ordered by id, the way the subgraph
// paginates with id_gt.
type memSource struct {
	entities []domain.Entity
	calls    atomic.Int64

	// withoutCount hides ApproxCount, forcing callers to infer size.
	withoutCount bool
}

func newMemSource(timestamps []time.Time) *memSource {
	s := &memSource{}
	for i, ts := range timestamps {
		s.entities = append(s.entities, domain.Entity{
			ID:        fmt.Sprintf("0x%06x", i),
			Kind:      domain.EntityMint,
			Timestamp: ts,
			Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return s
}

func (s *memSource) Query(ctx context.Context, slice domain.TimeSlice, cursor domain.Cursor, pageSize int) (ports.Page, error) {
	s.calls.Add(1)
	var match []domain.Entity
	for _, e := range s.entities {
		if slice.Includes(e.Timestamp) && e.ID > string(cursor) {
			match = append(match, e)
		}
	}
	page := ports.Page{ApproxCount: ports.UnknownCount}
	if cursor.IsZero() && !s.withoutCount {
		page.ApproxCount = len(match)
	}
	if len(match) > pageSize {
		match = match[:pageSize]
		page.NextCursor = domain.Cursor(match[len(match)-1].ID)
	}
	page.Entities = match
	return page, nil
}

func (s *memSource) countIn(slice domain.TimeSlice) int {
	n := 0
	for _, e := range s.entities {
		if slice.Includes(e.Timestamp) {
			n++
		}
	}
	return n
}

var errUpstream = errors.New("subgraph returned 503")

func failingSource() sourceFunc {
	return func(context.Context, domain.TimeSlice, domain.Cursor, int) (ports.Page, error) {
		return ports.Page{}, errUpstream
	}
}

// partialQueue accepts the first n envelopes of its next Enqueue, then fails,
// as if the process died mid-batch.
type partialQueue struct {
	ports.CommandQueue
	n int
}

func (q *partialQueue) Enqueue(ctx context.Context, envelopes ...domain.Envelope) error {
	if q.n >= len(envelopes) {
		return q.CommandQueue.Enqueue(ctx, envelopes...)
	}
	if err := q.CommandQueue.Enqueue(ctx, envelopes[:q.n]...); err != nil {
		return err
	}
	return errors.New("queue connection reset")
}

// recordingQueue records visibility extensions.
type recordingQueue struct {
	ports.CommandQueue
	mu       sync.Mutex
	extended []string
}

func (q *recordingQueue) ExtendVisibility(ctx context.Context, receipt string, d time.Duration) error {
	q.mu.Lock()
	q.extended = append(q.extended, receipt)
	q.mu.Unlock()
	return q.CommandQueue.ExtendVisibility(ctx, receipt, d)
}

// failingStore fails every record upsert.
type failingStore struct {
	ports.IngestStore
}

func (failingStore) UpsertRecords(context.Context, []domain.IngestRecord) error {
	return errors.New("disk full")
}

func assertSlices(t *testing.T, want, got []domain.TimeSlice) {
	t.Helper()
	if !assert.Len(t, got, len(want)) {
		return
	}
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "slice %d: got %s, want %s", i, got[i], want[i])
	}
}
