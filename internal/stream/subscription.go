package stream

import (
	"context"
	"io"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/metrics"
)

// Frame is either a step or a keepalive.
type Frame struct {
	Step      domain.ReasoningStep
	Keepalive bool
}

// Subscription reads one observer's view of a session: the backlog first,
// then live steps, in sequence order.
type Subscription struct {
	b       *Broker
	backlog []domain.ReasoningStep
	pos     int
	live    chan domain.ReasoningStep
	err     error // set under b.mu before live is closed
	last    int64
	ticker  *time.Ticker
}

// Subscribe attaches an observer that will see every step with a sequence
// number above afterSeq. Pass 0 to replay the full backlog.
func (b *Broker) Subscribe(afterSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	sub := &Subscription{
		b:      b,
		live:   make(chan domain.ReasoningStep, b.buffer),
		last:   afterSeq,
		ticker: time.NewTicker(b.keepalive),
	}
	if afterSeq < int64(len(b.steps)) {
		sub.backlog = make([]domain.ReasoningStep, int64(len(b.steps))-afterSeq)
		copy(sub.backlog, b.steps[afterSeq:])
	}
	if b.closed {
		sub.err = io.EOF
		close(sub.live)
		return sub
	}
	b.subs[sub] = struct{}{}
	metrics.SubscriberConnected()
	return sub
}

// Next returns the next frame. It returns io.EOF once the session is closed
// and drained, and ErrSlowSubscriber if this subscriber overflowed.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	if s.pos < len(s.backlog) {
		step := s.backlog[s.pos]
		s.pos++
		s.last = step.SequenceNo
		return Frame{Step: step}, nil
	}
	s.backlog = nil
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case step, ok := <-s.live:
			if !ok {
				return Frame{}, s.err
			}
			if step.SequenceNo <= s.last {
				continue
			}
			s.last = step.SequenceNo
			return Frame{Step: step}, nil
		case <-s.ticker.C:
			return Frame{Keepalive: true}, nil
		}
	}
}

// LastSequence is the sequence number of the last step returned by Next.
func (s *Subscription) LastSequence() int64 { return s.last }

func (s *Subscription) Close() {
	s.ticker.Stop()
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.dropLocked(s, io.EOF)
}
