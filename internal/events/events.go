// Package events fans realtime notifications out to in-process
// subscribers and, when configured, to a NATS subject. Delivery is
// fire-and-forget on both paths: a slow consumer loses events, it never
// stalls the monitor.
package events

import "time"

// Event types published by the monitor.
const (
	TypeNewObservation = "new-observation"
	TypeStatsUpdate    = "stats-update"
)

// Event is one realtime notification.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to the Publisher capability.
type PublisherFunc func(ev Event)

// Publish calls f.
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Multi fans one event out to several publishers.
type Multi []Publisher

// Publish delivers ev to every wrapped publisher.
func (m Multi) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}
