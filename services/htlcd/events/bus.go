package events

import (
	"sync"
	"time"

	"xswap/observability"
)

// Type enumerates swap lifecycle notifications.
type Type string

const (
	TypeInitiated         Type = "initiated"
	TypeLockStarted       Type = "lock_started"
	TypeLockCompleted     Type = "lock_completed"
	TypeCompletionStarted Type = "completion_started"
	TypeCompleted         Type = "completed"
	TypeFailed            Type = "failed"
	TypeExpired           Type = "expired"
	TypeRollbackStarted   Type = "rollback_started"
	TypeRollbackCompleted Type = "rollback_completed"
	// TypeRollbackEscalated signals an operator alert: refunds exhausted their retries.
	TypeRollbackEscalated Type = "rollback_escalated"
)

// Event is a single swap notification. It never carries secret material.
type Event struct {
	Type   Type      `json:"type"`
	SwapID string    `json:"swapId"`
	Status string    `json:"status"`
	Stage  string    `json:"stage,omitempty"`
	Leg    *int      `json:"leg,omitempty"`
	TxHash string    `json:"txHash,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind loses its oldest pending event.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscription]struct{}
	history     []Event
	historySize int
	closed      bool
}

// NewBus constructs a bus retaining the last historySize events for late subscribers.
func NewBus(historySize int) *Bus {
	if historySize < 0 {
		historySize = 0
	}
	return &Bus{subscribers: make(map[*Subscription]struct{}), historySize: historySize}
}

// Subscription is a single consumer's view of the bus.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	once sync.Once
}

// C returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subscribers, s)
		close(s.ch)
	})
}

// Subscribe registers a consumer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

// Publish delivers evt to every subscriber.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	metrics := observability.Events()
	metrics.RecordPublish(string(evt.Type))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.historySize > 0 {
		b.history = append(b.history, evt)
		if len(b.history) > b.historySize {
			b.history = append([]Event(nil), b.history[len(b.history)-b.historySize:]...)
		}
	}
	for sub := range b.subscribers {
		for {
			select {
			case sub.ch <- evt:
			default:
				select {
				case dropped := <-sub.ch:
					metrics.RecordDrop(string(dropped.Type))
				default:
				}
				continue
			}
			break
		}
	}
}

// History returns the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}

// Close closes every subscription and stops delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		sub.closeLocked()
	}
}
