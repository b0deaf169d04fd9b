package nats

import (
	"context"
	"sync"

	"github.com/brojonat/fairswap/service/events"
)

var _ events.BatchSink = (*MockPublisher)(nil)

// MockPublisher is an in-memory events.BatchSink for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*events.Event
	publishError    error
	batches         int
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*events.Event, 0),
	}
}

// Name implements events.Sink.
func (m *MockPublisher) Name() string { return "mock" }

// Publish records the event and returns any configured error.
func (m *MockPublisher) Publish(ctx context.Context, ev *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, ev)
	return nil
}

// PublishBatch records the events and returns any configured error. Nothing
// is recorded when an error is configured.
func (m *MockPublisher) PublishBatch(ctx context.Context, evs []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, evs...)
	m.batches++
	return nil
}

// GetBatchCount returns how many PublishBatch calls succeeded.
func (m *MockPublisher) GetBatchCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := make([]*events.Event, len(m.publishedEvents))
	copy(evs, m.publishedEvents)
	return evs
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsOfType returns events published with type t.
func (m *MockPublisher) GetPublishedEventsOfType(t events.Type) []*events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := make([]*events.Event, 0)
	for _, ev := range m.publishedEvents {
		if ev.Type == t {
			evs = append(evs, ev)
		}
	}
	return evs
}

// SetPublishError configures the mock to return an error on Publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*events.Event, 0)
	m.publishError = nil
	m.batches = 0
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
