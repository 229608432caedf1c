// Package feeds provides observation producers for the feed monitor. In
// production a producer wraps real threat feeds; in demo and test mode the
// synthetic generator manufactures plausible observations. Which producer
// runs is a wiring decision made at startup, never module-level state.
package feeds

import (
	"context"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// Producer manufactures the observations a monitor cycle ingests.
type Producer interface {
	// Produce returns the next batch of observations. An error fails the
	// whole cycle and triggers the monitor's backoff interval.
	Produce(ctx context.Context) ([]ioc.Observation, error)
}

// ProducerFunc adapts a function to the Producer capability.
type ProducerFunc func(ctx context.Context) ([]ioc.Observation, error)

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context) ([]ioc.Observation, error) {
	return f(ctx)
}
