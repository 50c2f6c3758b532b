// Package notify fans pipeline events out to live channel subscribers and,
// through a relay, to the subscribers of other instances.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
)

// Subscriber receives encoded events. Send must not block; a returned error
// removes the subscriber.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
	Close()
}

type Config struct {
	// Relay carries events between instances. Nil keeps delivery local.
	Relay      Relay
	InstanceID string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Now        func() time.Time
}

// Notifier delivers each event at most once to every current subscriber.
// Broadcasts are serialised so subscribers observe them in call order.
type Notifier struct {
	relay      Relay
	instanceID string
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	mu          sync.RWMutex
	subscribers map[string]Subscriber

	sendMu sync.Mutex

	startOnce sync.Once
	relaySub  Subscription
	wg        sync.WaitGroup
}

func NewNotifier(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Notifier{
		relay:       cfg.Relay,
		instanceID:  instanceID,
		logger:      logger,
		metrics:     recorder,
		now:         now,
		subscribers: make(map[string]Subscriber),
	}
}

// InstanceID identifies this notifier as the origin of relayed events.
func (n *Notifier) InstanceID() string {
	return n.instanceID
}

func (n *Notifier) AddSubscriber(sub Subscriber) {
	n.mu.Lock()
	n.subscribers[sub.ID()] = sub
	count := len(n.subscribers)
	n.mu.Unlock()
	n.metrics.SetSubscribers(count)
	n.logger.Debug("subscriber added", "subscriber", sub.ID(), "count", count)
}

// RemoveSubscriber drops the subscriber without closing it.
func (n *Notifier) RemoveSubscriber(sub Subscriber) {
	n.remove(sub.ID())
}

func (n *Notifier) remove(id string) bool {
	n.mu.Lock()
	_, ok := n.subscribers[id]
	delete(n.subscribers, id)
	count := len(n.subscribers)
	n.mu.Unlock()
	if ok {
		n.metrics.SetSubscribers(count)
	}
	return ok
}

func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Broadcast delivers the event to local subscribers and publishes it to the
// relay. A relay failure is returned after local delivery has happened.
func (n *Notifier) Broadcast(ctx context.Context, event models.Event) error {
	if event.Kind == "" {
		return errors.New("event type is required")
	}
	if event.Origin == "" {
		event.Origin = n.instanceID
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now()
	}
	if err := n.deliver(event); err != nil {
		return err
	}
	if n.relay == nil {
		return nil
	}
	if err := n.relay.Publish(ctx, event); err != nil {
		return fmt.Errorf("relay event: %w", err)
	}
	return nil
}

func (n *Notifier) deliver(event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	n.sendMu.Lock()
	defer n.sendMu.Unlock()

	n.mu.RLock()
	snapshot := make([]Subscriber, 0, len(n.subscribers))
	for _, sub := range n.subscribers {
		snapshot = append(snapshot, sub)
	}
	n.mu.RUnlock()

	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			if n.remove(sub.ID()) {
				sub.Close()
			}
			n.logger.Debug("subscriber pruned", "subscriber", sub.ID(), "error", err)
		}
	}
	n.metrics.ObserveEvent(string(event.Kind))
	return nil
}

// Start consumes relayed events until Close. Events this instance published
// are skipped since they were delivered locally already.
func (n *Notifier) Start() {
	if n.relay == nil {
		return
	}
	n.startOnce.Do(func() {
		sub := n.relay.Subscribe()
		n.relaySub = sub
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for event := range sub.Events() {
				if event.Origin == n.instanceID {
					continue
				}
				if err := n.deliver(event); err != nil {
					n.logger.Warn("failed to deliver relayed event", "type", event.Kind, "error", err)
				}
			}
		}()
	})
}

// Close stops relay consumption and closes every subscriber.
func (n *Notifier) Close() {
	if n.relaySub != nil {
		n.relaySub.Close()
	}
	n.wg.Wait()

	n.mu.Lock()
	subs := n.subscribers
	n.subscribers = make(map[string]Subscriber)
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	n.metrics.SetSubscribers(0)
}
