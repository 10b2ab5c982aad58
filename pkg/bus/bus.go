// Package bus fans project-scoped events out to push subscribers. It is
// the bridge between the asynchronous collectors (logs, health) and
// whatever is streaming to a client: producers publish without ever
// blocking, and each subscriber pays for its own slowness.
package bus

import (
	"sync/atomic"

	"github.com/omayhemo/debughost/pkg/health"
	"github.com/omayhemo/debughost/pkg/logs"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventLog    EventType = "log"
	EventHealth EventType = "health"
)

// Event is a single item pushed to a subscriber. Exactly one of Log or
// Health is set, indicated by Type.
type Event struct {
	Type      EventType        `json:"type"`
	ProjectID string           `json:"project_id"`
	Log       *logs.Entry      `json:"log,omitempty"`
	Health    *health.Snapshot `json:"health,omitempty"`
}

// Subscription is a one-way push of events for a single project to a
// single consumer. Its queue is bounded: when full, the oldest queued
// event is dropped and the drop counter incremented.
type Subscription struct {
	// C delivers events in publish order, modulo this subscription's own
	// drops. Closed when the subscription ends.
	C <-chan Event

	projectID string
	ch        chan Event
	mutex     deadlock.Mutex
	closed    bool
	dropped   atomic.Int64
	onClose   func(*Subscription)
}

func (s *Subscription) publish(event Event) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Safe to call more than
// once, and safe to call concurrently with publishes.
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

// Bus owns the map of active subscriptions, keyed by project.
type Bus struct {
	Log *logrus.Entry

	queueSize int

	mutex deadlock.Mutex
	subs  map[string]map[*Subscription]struct{}
}

func NewBus(log *logrus.Entry, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{
		Log:       log,
		queueSize: queueSize,
		subs:      map[string]map[*Subscription]struct{}{},
	}
}

// Subscribe creates a stream of events for the given project. The caller
// must Close it when done; the bus also closes it when the project's
// streams are torn down.
func (b *Bus) Subscribe(projectID string) *Subscription {
	sub := &Subscription{projectID: projectID}
	sub.ch = make(chan Event, b.queueSize)
	sub.C = sub.ch
	sub.onClose = func(s *Subscription) { b.detach(projectID, s) }

	b.mutex.Lock()
	defer b.mutex.Unlock()

	set, ok := b.subs[projectID]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[projectID] = set
	}
	set[sub] = struct{}{}

	return sub
}

func (b *Bus) detach(projectID string, sub *Subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	set, ok := b.subs[projectID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, projectID)
	}
}

// PublishLog pushes a log entry to every subscriber of the project.
func (b *Bus) PublishLog(projectID string, entry logs.Entry) {
	b.publish(projectID, Event{Type: EventLog, ProjectID: projectID, Log: &entry})
}

// PublishHealth pushes a health snapshot to every subscriber of the project.
func (b *Bus) PublishHealth(projectID string, snapshot health.Snapshot) {
	b.publish(projectID, Event{Type: EventHealth, ProjectID: projectID, Health: &snapshot})
}

func (b *Bus) publish(projectID string, event Event) {
	b.mutex.Lock()
	set := b.subs[projectID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mutex.Unlock()

	for _, sub := range targets {
		sub.publish(event)
	}
}

// SubscriberCount reports how many streams are attached to the project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.subs[projectID])
}

// CloseProject tears down every stream attached to the project. Called
// when the project stops.
func (b *Bus) CloseProject(projectID string) {
	b.mutex.Lock()
	set := b.subs[projectID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mutex.Unlock()

	for _, sub := range targets {
		sub.Close()
	}
}

// Close tears down all streams.
func (b *Bus) Close() {
	b.mutex.Lock()
	targets := []*Subscription{}
	for _, set := range b.subs {
		for sub := range set {
			targets = append(targets, sub)
		}
	}
	b.mutex.Unlock()

	for _, sub := range targets {
		sub.Close()
	}
}
