package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CommandKind identifies which executor consumes a queued command.
type CommandKind string

const (
	KindFanOut  CommandKind = "fanout"
	KindExecute CommandKind = "execute"
)

// Valid reports whether k is one of the known command kinds.
func (k CommandKind) Valid() bool {
	return k == KindFanOut || k == KindExecute
}

// Cursor is an opaque pagination token handed out by the source.
// The empty cursor means "first page".
type Cursor string

// IsZero reports whether c denotes the first page.
func (c Cursor) IsZero() bool { return c == "" }

// FanOutCommand asks for a slice to be sized into executable work.
type FanOutCommand struct {
	Slice   TimeSlice `json:"slice"`
	Attempt int       `json:"attempt"`
}

// DedupKey derives the queue deduplication key from the slice boundaries.
func (c FanOutCommand) DedupKey() string {
	return dedupKey(KindFanOut, c.Slice, "")
}

// Envelope wraps the command for the queue.
func (c FanOutCommand) Envelope() (Envelope, error) {
	return newEnvelope(KindFanOut, c, c.DedupKey())
}

// ExecuteCommand asks for one page of a slice to be ingested.
type ExecuteCommand struct {
	Slice   TimeSlice `json:"slice"`
	Cursor  Cursor    `json:"cursor,omitempty"`
	Attempt int       `json:"attempt"`
}

// DedupKey derives the queue deduplication key from the slice boundaries and
// the page cursor, so every page of a slice has its own key.
func (c ExecuteCommand) DedupKey() string {
	return dedupKey(KindExecute, c.Slice, c.Cursor)
}

// Envelope wraps the command for the queue.
func (c ExecuteCommand) Envelope() (Envelope, error) {
	return newEnvelope(KindExecute, c, c.DedupKey())
}

// Envelope is a command ready to be handed to the queue.
type Envelope struct {
	Kind     CommandKind
	Payload  []byte
	DedupKey string

	// Attempt is the attempt number the first delivery will carry.
	Attempt int
}

func newEnvelope(kind CommandKind, cmd any, dedup string) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s command: %w", kind, err)
	}
	attempt := 1
	switch c := cmd.(type) {
	case FanOutCommand:
		attempt = max(c.Attempt, 1)
	case ExecuteCommand:
		attempt = max(c.Attempt, 1)
	}
	return Envelope{Kind: kind, Payload: payload, DedupKey: dedup, Attempt: attempt}, nil
}

func dedupKey(kind CommandKind, s TimeSlice, cursor Cursor) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.FormatInt(s.Start.UnixNano(), 10))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(strconv.FormatInt(s.End.UnixNano(), 10))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(string(cursor))
	return fmt.Sprintf("%s:%s:%016x", kind, s.Key(), h.Sum64())
}

// Delivery is a command handed to a consumer by the queue. The consumer must
// acknowledge it by ID before VisibleUntil, or it will be delivered again.
type Delivery struct {
	ID string

	// Receipt identifies this particular delivery. Only the latest receipt of
	// a command may extend its visibility.
	Receipt string

	Kind         CommandKind
	Payload      []byte
	Attempt      int
	EnqueuedAt   time.Time
	VisibleUntil time.Time
}

// FanOut decodes the payload as a FanOutCommand carrying the delivery attempt.
func (d Delivery) FanOut() (FanOutCommand, error) {
	if d.Kind != KindFanOut {
		return FanOutCommand{}, fmt.Errorf("delivery %s is %s, not %s", d.ID, d.Kind, KindFanOut)
	}
	var cmd FanOutCommand
	if err := json.Unmarshal(d.Payload, &cmd); err != nil {
		return FanOutCommand{}, fmt.Errorf("decode delivery %s: %w", d.ID, err)
	}
	if !cmd.Slice.Start.Before(cmd.Slice.End) {
		return FanOutCommand{}, fmt.Errorf("%w: delivery %s carries slice %s", ErrInvalidRange, d.ID, cmd.Slice)
	}
	cmd.Attempt = max(d.Attempt, cmd.Attempt)
	return cmd, nil
}

// Execute decodes the payload as an ExecuteCommand carrying the delivery attempt.
func (d Delivery) Execute() (ExecuteCommand, error) {
	if d.Kind != KindExecute {
		return ExecuteCommand{}, fmt.Errorf("delivery %s is %s, not %s", d.ID, d.Kind, KindExecute)
	}
	var cmd ExecuteCommand
	if err := json.Unmarshal(d.Payload, &cmd); err != nil {
		return ExecuteCommand{}, fmt.Errorf("decode delivery %s: %w", d.ID, err)
	}
	if !cmd.Slice.Start.Before(cmd.Slice.End) {
		return ExecuteCommand{}, fmt.Errorf("%w: delivery %s carries slice %s", ErrInvalidRange, d.ID, cmd.Slice)
	}
	cmd.Attempt = max(d.Attempt, cmd.Attempt)
	return cmd, nil
}

// QueuedCommand is the queue's view of a stored command, used by the purge
// sweep and the health report. It is never handed to executors.
type QueuedCommand struct {
	ID       string
	Kind     CommandKind
	Payload  []byte
	DedupKey string

	// Attempt is the attempt number of the latest delivery, or of the next one
	// when the command has never been received.
	Attempt int

	// Receives counts deliveries so far.
	Receives int

	EnqueuedAt time.Time
	VisibleAt  time.Time

	// InFlight is true while a delivery's visibility timeout is running.
	InFlight bool
}

// NextAttempt is the attempt number the next delivery would carry.
func (q QueuedCommand) NextAttempt() int {
	if q.Receives == 0 {
		return q.Attempt
	}
	return q.Attempt + 1
}

// Slice decodes the slice (and cursor, for execute commands) the command targets.
func (q QueuedCommand) Slice() (TimeSlice, Cursor, error) {
	d := Delivery{ID: q.ID, Kind: q.Kind, Payload: q.Payload, Attempt: q.Attempt}
	switch q.Kind {
	case KindFanOut:
		cmd, err := d.FanOut()
		return cmd.Slice, "", err
	case KindExecute:
		cmd, err := d.Execute()
		return cmd.Slice, cmd.Cursor, err
	default:
		return TimeSlice{}, "", fmt.Errorf("unknown command kind %q", q.Kind)
	}
}

// QueueStats summarizes queue state for health reporting.
type QueueStats struct {
	Depth        int
	ByKind       map[CommandKind]int
	InFlight     int
	OldestQueued time.Time
}
