package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/observability"
)

const subscriberBuffer = 16

// Hub broadcasts events to in-process subscribers over buffered channels.
// Publish never blocks: a subscriber whose buffer is full drops the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	logger  *zap.Logger
	metrics *observability.Metrics
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithMetrics wires publish and drop counters. A nil m leaves metrics
// disabled.
func WithMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string]chan Event),
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new consumer and returns its id, its event
// channel, and a cancel function. Cancel is idempotent and closes the
// channel.
func (h *Hub) Subscribe() (string, <-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	}

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.WithLabelValues(ev.Type).Inc()
			}
			h.logger.Debug("subscriber buffer full, event dropped",
				zap.String("subscriber", id), zap.String("type", ev.Type))
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
