package notify

import (
	"context"
	"errors"
	"sync"

	"mediaforge/internal/models"
)

// Relay carries events between notifier instances.
type Relay interface {
	Publish(ctx context.Context, event models.Event) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active stream of relayed events. Events is closed
// after Close.
type Subscription interface {
	Events() <-chan models.Event
	Close()
}

// NewMemoryRelay returns an in-process relay for single instance deployments
// and tests.
func NewMemoryRelay(buffer int) *MemoryRelay {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryRelay{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type MemoryRelay struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (r *MemoryRelay) Publish(ctx context.Context, event models.Event) error {
	if event.Kind == "" {
		return errors.New("event type is required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Full subscriber; the event is dropped for it.
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe() Subscription {
	sub := &memorySubscription{relay: r, ch: make(chan models.Event, r.buffer)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

func (r *MemoryRelay) Close() error {
	r.mu.RLock()
	subs := make([]*memorySubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	relay *MemoryRelay
	ch    chan models.Event
}

func (s *memorySubscription) Events() <-chan models.Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
		close(s.ch)
	})
}
