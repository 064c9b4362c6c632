// Package stream implements the per-session reasoning step log: an ordered,
// deduplicated, append-only sequence with backlog replay and live fan-out.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"incidentline/internal/domain"
	"incidentline/internal/logging"
	"incidentline/internal/metrics"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSlowSubscriber = errors.New("subscriber fell behind and was disconnected")
)

const (
	DefaultBuffer    = 256
	DefaultKeepalive = 15 * time.Second
)

// Broker owns the step log of one analysis session.
type Broker struct {
	id        string
	buffer    int
	keepalive time.Duration
	now       func() time.Time
	render    bool
	logger    *slog.Logger

	lease chan struct{}

	mu     sync.Mutex
	steps  []domain.ReasoningStep
	seen   map[[32]byte]int64
	subs   map[*Subscription]struct{}
	closed bool
}

type Option func(*Broker)

func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithKeepalive(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.keepalive = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithHTML toggles markdown rendering into content_html.
func WithHTML(enabled bool) Option {
	return func(b *Broker) { b.render = enabled }
}

func NewBroker(id string, opts ...Option) *Broker {
	b := &Broker{
		id:        id,
		buffer:    DefaultBuffer,
		keepalive: DefaultKeepalive,
		now:       time.Now,
		render:    true,
		logger:    logging.Discard(),
		lease:     make(chan struct{}, 1),
		seen:      make(map[[32]byte]int64),
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) ID() string { return b.id }

// Writer is an exclusive write lease on a broker.
type Writer struct {
	b    *Broker
	once sync.Once
}

// Acquire blocks until no other producer holds the session.
func (b *Broker) Acquire(ctx context.Context) (*Writer, error) {
	select {
	case b.lease <- struct{}{}:
		return &Writer{b: b}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Append adds a step while the lease is held.
func (w *Writer) Append(step domain.ReasoningStep) (domain.ReasoningStep, bool, error) {
	return w.b.append(step)
}

// Emit is Append for a step stamped with the broker clock.
func (w *Writer) Emit(t domain.StepType, content string) (domain.ReasoningStep, error) {
	step, _, err := w.b.append(domain.ReasoningStep{Type: t, Content: content})
	return step, err
}

func (w *Writer) Release() {
	w.once.Do(func() { <-w.b.lease })
}

// Publish appends one step under a short-lived lease. The returned bool is
// false when the step was a duplicate of an earlier one.
func (b *Broker) Publish(ctx context.Context, step domain.ReasoningStep) (domain.ReasoningStep, bool, error) {
	w, err := b.Acquire(ctx)
	if err != nil {
		return domain.ReasoningStep{}, false, err
	}
	defer w.Release()
	return w.Append(step)
}

func dedupKey(step domain.ReasoningStep) [32]byte {
	ts := step.Timestamp.UTC().Format(time.RFC3339Nano)
	buf := make([]byte, 0, len(ts)+1+len(step.Content))
	buf = append(buf, ts...)
	buf = append(buf, 0)
	buf = append(buf, step.Content...)
	return blake3.Sum256(buf)
}

func (b *Broker) append(step domain.ReasoningStep) (domain.ReasoningStep, bool, error) {
	if step.Timestamp.IsZero() {
		step.Timestamp = b.now()
	}
	step.Timestamp = step.Timestamp.UTC()
	key := dedupKey(step)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ReasoningStep{}, false, ErrSessionClosed
	}
	if seq, dup := b.seen[key]; dup {
		metrics.StepDeduplicated()
		return b.steps[seq-1], false, nil
	}
	step.SequenceNo = int64(len(b.steps)) + 1
	if b.render && step.ContentHTML == "" && rendersHTML(step.Type) {
		step.ContentHTML = RenderHTML(step.Content)
	}
	b.steps = append(b.steps, step)
	b.seen[key] = step.SequenceNo
	metrics.StepAppended(string(step.Type))

	for sub := range b.subs {
		select {
		case sub.live <- step:
		default:
			b.dropLocked(sub, ErrSlowSubscriber)
			metrics.SubscriberDropped()
			b.logger.Warn("stream subscriber dropped", slog.String("session", b.id), slog.Int64("sequence_no", step.SequenceNo))
		}
	}
	return step, true, nil
}

// Snapshot returns every step appended so far.
func (b *Broker) Snapshot() []domain.ReasoningStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ReasoningStep, len(b.steps))
	copy(out, b.steps)
	return out
}

func (b *Broker) LastSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.steps))
}

func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends the session. Subscribers drain what they already hold and then
// receive io.EOF. Close returns the final log.
func (b *Broker) Close() []domain.ReasoningStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		for sub := range b.subs {
			b.dropLocked(sub, io.EOF)
		}
	}
	out := make([]domain.ReasoningStep, len(b.steps))
	copy(out, b.steps)
	return out
}

func (b *Broker) dropLocked(sub *Subscription, reason error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.err = reason
	close(sub.live)
	metrics.SubscriberDisconnected()
}
