package logs

import (
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// Subscription is a one-way push of entries to a single consumer. Each
// subscription has its own bounded queue: when it fills, the oldest queued
// entry is dropped and the drop counter incremented. The producer never
// blocks on a subscriber.
type Subscription struct {
	// C delivers entries in collection order, modulo this subscription's
	// own drops.
	C <-chan Entry

	ch      chan Entry
	mutex   deadlock.Mutex
	closed  bool
	dropped atomic.Int64
	onClose func(*Subscription)
}

func newSubscription(queueSize int, onClose func(*Subscription)) *Subscription {
	ch := make(chan Entry, queueSize)
	return &Subscription{C: ch, ch: ch, onClose: onClose}
}

// publish enqueues without blocking, evicting the oldest queued entry when
// the queue is full.
func (s *Subscription) publish(entry Entry) (droppedOne bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}

	for {
		select {
		case s.ch <- entry:
			return droppedOne
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			droppedOne = true
		default:
		}
	}
}

// Dropped returns how many entries this subscriber has lost.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its collector and closes C. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mutex.Unlock()

	if s.onClose != nil {
		s.onClose(s)
	}
}
