package broker

import (
	"context"
	"errors"
	"iter"
	"sync"

	"roomcast/internal/app/event"
)

// ErrSubscriptionClosed is returned once a subscription was cancelled by
// Unsubscribe or broker shutdown.
var ErrSubscriptionClosed = errors.New("broker: subscription closed")

// Subscription is one connection's resumable cursor into one room.
// Events are delivered strictly in sequence order through a bounded queue.
type Subscription struct {
	ConnID string
	RoomID string

	mu     sync.Mutex
	queue  []event.Event
	limit  int
	last   uint64
	closed bool
	err    error

	// replayed counts preloaded events still at the head of queue.
	replayed int

	delivered uint64

	notify chan struct{}
	done   chan struct{}
}

func newSubscription(connID, roomID string, limit int, after uint64) *Subscription {
	return &Subscription{
		ConnID: connID,
		RoomID: roomID,
		limit:  limit,
		last:   after,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// preload queues replayed events ahead of live delivery. Replay is bounded by
// the retention horizon, not by the live queue limit.
func (s *Subscription) preload(events []event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		if ev.Sequence > s.last {
			s.queue = append(s.queue, ev)
			s.last = ev.Sequence
			s.replayed++
		}
	}
	s.signal()
}

// enqueue offers a live event without blocking. It reports false when the
// live part of the queue is full; the caller must then close the subscription.
func (s *Subscription) enqueue(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ev.Sequence <= s.last {
		return true
	}

	if len(s.queue)-s.replayed >= s.limit {
		return false
	}

	s.queue = append(s.queue, ev)
	s.last = ev.Sequence
	s.signal()

	return true
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close stops delivery, drops any queued events and records err for readers.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.err = err
	s.queue = nil
	s.replayed = 0
	close(s.done)
}

// Next blocks until the next event is available, the subscription closes, or
// ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return event.Event{}, err
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = event.Event{}
			s.queue = s.queue[1:]
			if s.replayed > 0 {
				s.replayed--
			}
			s.delivered = ev.Sequence
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		}
	}
}

// Events exposes the subscription as a lazy sequence. Iteration ends after
// yielding the terminal error (closure, overflow or ctx cancellation).
func (s *Subscription) Events(ctx context.Context) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Done is closed when the subscription stops delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscription closed, or nil while it is live.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastDelivered is the sequence of the last event returned by Next.
func (s *Subscription) LastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Pending is the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
