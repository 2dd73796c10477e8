// Package boltqueue implements ports.CommandQueue on a single bbolt file.
//
// Messages live in a bucket keyed by an increasing sequence so receives are
// served oldest first. Every mutation runs in a bbolt write transaction,
// which serializes concurrent consumers within a process.
package boltqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	logadapter "github.com/bft-labs/niftysave/internal/adapters/log"
	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

var (
	bucketMessages = []byte("messages")
	bucketIDs      = []byte("ids")
	bucketDedup    = []byte("dedup")
)

// DefaultDedupWindow is how long an acknowledged command's dedup key keeps
// rejecting duplicates.
const DefaultDedupWindow = 15 * time.Minute

// message is the stored form of a queued command.
type message struct {
	ID         string             `json:"id"`
	Kind       domain.CommandKind `json:"kind"`
	Payload    []byte             `json:"payload"`
	DedupKey   string             `json:"dedup_key"`
	Attempt    int                `json:"attempt"`
	Receives   int                `json:"receives"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	VisibleAt  time.Time          `json:"visible_at"`
}

// deliveryAttempt is the attempt number carried by the latest delivery.
func (m message) deliveryAttempt() int {
	if m.Receives == 0 {
		return m.Attempt
	}
	return m.Attempt + m.Receives - 1
}

func (m message) receipt() string {
	return m.ID + "." + strconv.Itoa(m.Receives)
}

// dedupEntry guards a dedup key. ExpiresAt is zero while the message is live.
type dedupEntry struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e dedupEntry) live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Queue is a durable command queue backed by bbolt.
type Queue struct {
	db          *bolt.DB
	path        string
	now         func() time.Time
	dedupWindow time.Duration
	logger      ports.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock. Used by tests to step through
// visibility timeouts.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDedupWindow sets how long acknowledged keys keep rejecting duplicates.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) { q.dedupWindow = d }
}

// WithLogger sets the queue's logger.
func WithLogger(logger ports.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Open opens (creating if needed) the queue file at path.
func Open(path string, opts ...Option) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketIDs, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	q := &Queue{
		db:          db,
		path:        path,
		now:         func() time.Time { return time.Now().UTC() },
		dedupWindow: DefaultDedupWindow,
		logger:      logadapter.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Path returns the location of the queue file.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue stores every envelope in one transaction. Envelopes whose dedup key
// is live are skipped.
func (q *Queue) Enqueue(ctx context.Context, envelopes ...domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.now()

	for _, env := range envelopes {
		if !env.Kind.Valid() {
			return fmt.Errorf("enqueue: unknown command kind %q", env.Kind)
		}
	}

	skipped := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		ids := tx.Bucket(bucketIDs)
		dedup := tx.Bucket(bucketDedup)

		for _, env := range envelopes {
			if env.DedupKey != "" {
				if raw := dedup.Get([]byte(env.DedupKey)); raw != nil {
					var entry dedupEntry
					if err := json.Unmarshal(raw, &entry); err != nil {
						return fmt.Errorf("decode dedup entry: %w", err)
					}
					if entry.live(now) {
						skipped++
						continue
					}
				}
			}

			seq, err := msgs.NextSequence()
			if err != nil {
				return err
			}
			m := message{
				ID:         uuid.NewString(),
				Kind:       env.Kind,
				Payload:    env.Payload,
				DedupKey:   env.DedupKey,
				Attempt:    max(env.Attempt, 1),
				EnqueuedAt: now,
				VisibleAt:  now,
			}
			key := encodeSeq(seq)
			if err := putMessage(msgs, key, m); err != nil {
				return err
			}
			if err := ids.Put([]byte(m.ID), key); err != nil {
				return err
			}
			if env.DedupKey != "" {
				if err := putDedup(dedup, env.DedupKey, dedupEntry{ID: m.ID}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if skipped > 0 {
		q.logger.Debug("skipped duplicate commands",
			ports.Int("skipped", skipped),
			ports.Int("offered", len(envelopes)),
		)
	}
	return nil
}

// Receive hides up to maxBatch visible commands of kind for visibility and
// returns them, oldest first.
func (q *Queue) Receive(ctx context.Context, kind domain.CommandKind, maxBatch int, visibility time.Duration) ([]domain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		return nil, nil
	}
	if visibility <= 0 {
		return nil, fmt.Errorf("receive: visibility timeout %s must be positive", visibility)
	}
	now := q.now()

	var out []domain.Delivery
	err := q.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)

		// Select first; the cursor must not be used across Puts.
		var keys [][]byte
		var picked []message
		c := msgs.Cursor()
		for k, v := c.First(); k != nil && len(picked) < maxBatch; k, v = c.Next() {
			var m message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			if m.Kind != kind || m.VisibleAt.After(now) {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
			picked = append(picked, m)
		}

		for i, m := range picked {
			m.Receives++
			m.VisibleAt = now.Add(visibility)
			if err := putMessage(msgs, keys[i], m); err != nil {
				return err
			}

			out = append(out, domain.Delivery{
				ID:           m.ID,
				Receipt:      m.receipt(),
				Kind:         m.Kind,
				Payload:      m.Payload,
				Attempt:      m.deliveryAttempt(),
				EnqueuedAt:   m.EnqueuedAt,
				VisibleUntil: m.VisibleAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Acknowledge deletes the command and starts its dedup window.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	return q.delete(ctx, id)
}

// Remove deletes the command whether or not it is in flight.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.delete(ctx, id)
}

func (q *Queue) delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.now()

	return q.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		ids := tx.Bucket(bucketIDs)
		dedup := tx.Bucket(bucketDedup)

		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
		}
		key = append([]byte(nil), key...)

		m, err := getMessage(msgs, key)
		if err != nil {
			return err
		}
		if err := msgs.Delete(key); err != nil {
			return err
		}
		if err := ids.Delete([]byte(id)); err != nil {
			return err
		}

		if m.DedupKey == "" {
			return nil
		}
		if q.dedupWindow <= 0 {
			return dedup.Delete([]byte(m.DedupKey))
		}
		return putDedup(dedup, m.DedupKey, dedupEntry{ID: m.ID, ExpiresAt: now.Add(q.dedupWindow)})
	})
}

// ExtendVisibility pushes the deadline of the delivery identified by receipt.
func (q *Queue) ExtendVisibility(ctx context.Context, receipt string, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, receives, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	now := q.now()

	return q.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		key := tx.Bucket(bucketIDs).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
		}
		key = append([]byte(nil), key...)

		m, err := getMessage(msgs, key)
		if err != nil {
			return err
		}
		if m.Receives != receives || !m.VisibleAt.After(now) {
			return fmt.Errorf("%w: %s", domain.ErrStaleReceipt, receipt)
		}
		m.VisibleAt = now.Add(d)
		return putMessage(msgs, key, m)
	})
}

// Scan visits every stored command in enqueue order.
func (q *Queue) Scan(ctx context.Context, fn func(domain.QueuedCommand) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := q.now()

	// Collect first so fn may call back into the queue.
	var cmds []domain.QueuedCommand
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			cmds = append(cmds, m.queued(now))
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Stats counts stored commands.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueueStats{}, err
	}
	now := q.now()

	stats := domain.QueueStats{ByKind: make(map[domain.CommandKind]int)}
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %x: %w", k, err)
			}
			stats.Depth++
			stats.ByKind[m.Kind]++
			if m.queued(now).InFlight {
				stats.InFlight++
			}
			if stats.OldestQueued.IsZero() || m.EnqueuedAt.Before(stats.OldestQueued) {
				stats.OldestQueued = m.EnqueuedAt
			}
			return nil
		})
	})
	return stats, err
}

// PruneDedup deletes dedup entries whose window has passed and returns how
// many were removed.
func (q *Queue) PruneDedup(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := q.now()

	pruned := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(bucketDedup)
		var expired [][]byte
		err := dedup.ForEach(func(k, v []byte) error {
			var entry dedupEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode dedup entry: %w", err)
			}
			if !entry.live(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := dedup.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(expired)
		return nil
	})
	return pruned, err
}

func (m message) queued(now time.Time) domain.QueuedCommand {
	return domain.QueuedCommand{
		ID:         m.ID,
		Kind:       m.Kind,
		Payload:    m.Payload,
		DedupKey:   m.DedupKey,
		Attempt:    m.deliveryAttempt(),
		Receives:   m.Receives,
		EnqueuedAt: m.EnqueuedAt,
		VisibleAt:  m.VisibleAt,
		InFlight:   m.Receives > 0 && m.VisibleAt.After(now),
	}
}

func getMessage(b *bolt.Bucket, key []byte) (message, error) {
	raw := b.Get(key)
	if raw == nil {
		return message{}, errors.New("message index points at a missing message")
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return message{}, fmt.Errorf("decode message %x: %w", key, err)
	}
	return m, nil
}

func putMessage(b *bolt.Bucket, key []byte, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.Put(key, data)
}

func putDedup(b *bolt.Bucket, key string, e dedupEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dedup entry: %w", err)
	}
	return b.Put([]byte(key), data)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func parseReceipt(receipt string) (string, int, error) {
	i := strings.LastIndexByte(receipt, '.')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed receipt %q", receipt)
	}
	n, err := strconv.Atoi(receipt[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed receipt %q: %w", receipt, err)
	}
	return receipt[:i], n, nil
}

var _ ports.CommandQueue = (*Queue)(nil)
