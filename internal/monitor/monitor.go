// Package monitor runs the background feed loop: every cycle it pulls a
// batch of observations from the producer, records each one through the
// engine, refreshes the stats cache, and publishes realtime events. One
// monitor owns one goroutine; the lifecycle is Idle, Running, Stopped and
// never goes backwards.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/engine"
	"github.com/lvonguyen/ctihub/internal/events"
	"github.com/lvonguyen/ctihub/internal/feeds"
	"github.com/lvonguyen/ctihub/internal/observability"
	"github.com/lvonguyen/ctihub/internal/stats"
)

// ErrStopped means Start was called on a monitor that has already been
// stopped. A stopped monitor cannot be restarted; build a new one.
var ErrStopped = errors.New("monitor already stopped")

// State is the monitor lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

const (
	// DefaultInterval is the cadence between successful cycles.
	DefaultInterval = 10 * time.Second

	// DefaultErrorInterval is the backoff applied after a failed cycle,
	// for one cycle only.
	DefaultErrorInterval = 30 * time.Second
)

// Monitor drives the ingestion loop.
type Monitor struct {
	producer  feeds.Producer
	engine    *engine.Engine
	computer  *stats.Computer
	cache     *stats.Cache
	publisher events.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics

	interval    time.Duration
	errInterval time.Duration

	mu    sync.Mutex
	state State
	quit  chan struct{}
	done  chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithIntervals overrides the normal and error-backoff cycle intervals.
func WithIntervals(normal, onError time.Duration) Option {
	return func(m *Monitor) {
		if normal > 0 {
			m.interval = normal
		}
		if onError > 0 {
			m.errInterval = onError
		}
	}
}

// WithMetrics wires cycle metrics. A nil m leaves metrics disabled.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// New creates an idle monitor.
func New(producer feeds.Producer, eng *engine.Engine, computer *stats.Computer, cache *stats.Cache, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		producer:    producer,
		engine:      eng,
		computer:    computer,
		cache:       cache,
		publisher:   publisher,
		logger:      logger,
		interval:    DefaultInterval,
		errInterval: DefaultErrorInterval,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle phase.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the loop. Calling Start on a running monitor is a no-op;
// calling it after Stop returns ErrStopped.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}

	m.state = StateRunning
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	go m.run()

	m.logger.Info("feed monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("error_interval", m.errInterval))
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish. It is
// idempotent; stopping an idle monitor just marks it stopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.state = StateStopped
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	quit, done := m.quit, m.done
	m.mu.Unlock()

	close(quit)
	<-done
	m.logger.Info("feed monitor stopped")
}

// run is the loop goroutine. The quit check sits at cycle boundaries, so
// an in-flight cycle always completes before shutdown.
func (m *Monitor) run() {
	defer close(m.done)

	ctx := context.Background()
	wait := m.cycle(ctx)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-timer.C:
			timer.Reset(m.cycle(ctx))
		}
	}
}

// cycle runs one iteration and returns the delay before the next. Any
// failure, whether of the producer or of a single record, backs the next
// cycle off; a bad observation is still skipped without touching its
// neighbors or the stats refresh.
func (m *Monitor) cycle(ctx context.Context) time.Duration {
	batch, err := m.producer.Produce(ctx)
	if err != nil {
		m.logger.Warn("feed cycle failed, backing off",
			zap.Duration("retry_in", m.errInterval), zap.Error(err))
		m.countCycle(false)
		return m.errInterval
	}

	var failed bool
	for _, obs := range batch {
		res, err := m.engine.Record(ctx, obs)
		if err != nil {
			failed = true
			m.logger.Warn("observation rejected",
				zap.String("value", obs.Value),
				zap.String("source", obs.Source),
				zap.Error(err))
			continue
		}
		if res.Changed {
			m.publisher.Publish(events.Event{
				Type:    events.TypeNewObservation,
				Payload: res.Indicator,
				At:      time.Now().UTC(),
			})
		}
	}

	snap := m.computer.Compute(ctx)
	m.cache.Set(ctx, snap)
	m.publisher.Publish(events.Event{
		Type:    events.TypeStatsUpdate,
		Payload: snap,
		At:      snap.ComputedAt,
	})

	if m.metrics != nil {
		for class, n := range snap.ByClassification {
			m.metrics.IndicatorsActive.WithLabelValues(string(class)).Set(float64(n))
		}
		m.metrics.StatsSnapshotAge.Set(time.Since(snap.ComputedAt).Seconds())
	}
	m.countCycle(!failed)

	if failed {
		m.logger.Warn("cycle had record failures, backing off",
			zap.Duration("retry_in", m.errInterval))
		return m.errInterval
	}
	return m.interval
}

func (m *Monitor) countCycle(ok bool) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.metrics.MonitorCycles.WithLabelValues(status).Inc()
}
