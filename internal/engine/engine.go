// Package engine orchestrates reputation lookups across all configured
// sources for one indicator, merges the results, and delegates persistence
// to the store. Source failures are absorbed here and never surface to
// callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
	"github.com/lvonguyen/ctihub/internal/observability"
	"github.com/lvonguyen/ctihub/internal/sources"
	"github.com/lvonguyen/ctihub/internal/store"
)

const (
	// DefaultFreshnessWindow bounds how old a cached record may be before
	// an interactive lookup fans out to sources again.
	DefaultFreshnessWindow = time.Hour

	// DefaultLookupTimeout bounds each outbound source call.
	DefaultLookupTimeout = 10 * time.Second
)

// Engine merges per-source observations into canonical records.
type Engine struct {
	store   *store.Store
	sources []sources.Source
	logger  *zap.Logger
	metrics *observability.Metrics

	freshness     time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFreshnessWindow overrides the cached-record freshness window.
func WithFreshnessWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.freshness = d
		}
	}
}

// WithLookupTimeout overrides the per-source call timeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lookupTimeout = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics wires ingestion and lookup metrics. A nil m leaves metrics
// disabled.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over the store and the injected source list.
func New(st *store.Store, srcs []sources.Source, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		sources:       srcs,
		logger:        logger,
		freshness:     DefaultFreshnessWindow,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LookupOrFetch serves the interactive path. A cached record inside the
// freshness window returns directly with zero source calls; otherwise
// every source supporting the kind is queried concurrently, each bounded
// by the per-call timeout, and whatever answered is merged and persisted.
// Zero answers mean store.ErrNotFound — no record is created for a
// completely unknown indicator.
func (e *Engine) LookupOrFetch(ctx context.Context, value string, kind ioc.Kind) (*ioc.Indicator, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: value is required", ioc.ErrValidation)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ioc.ErrValidation, kind)
	}

	cached, err := e.store.Get(ctx, value, kind)
	switch {
	case err == nil:
		if e.now().Sub(cached.LastSeen) < e.freshness {
			return cached, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// Fall through to the source fan-out.
	default:
		// A degraded cache read is not fatal for a lookup; sources may
		// still answer, and the subsequent write will surface a real
		// storage outage.
		e.logger.Warn("cache read failed before fan-out",
			zap.String("value", value), zap.String("kind", string(kind)), zap.Error(err))
	}

	results := e.fanOut(ctx, value, kind)
	if len(results) == 0 {
		// Zero answers is not-found even when a stale record exists;
		// callers wanting the stored record regardless of age use Get.
		return nil, store.ErrNotFound
	}

	var rec *ioc.Indicator
	for _, obs := range results {
		res, err := e.store.Upsert(ctx, obs)
		if err != nil {
			return nil, err
		}
		rec = res.Indicator
	}
	return rec, nil
}

// Record serves the ingestion path: no freshness check, every observation
// lands because it may carry new evidence. The observation is normalized
// and persisted; the result reports whether the record materially changed.
func (e *Engine) Record(ctx context.Context, obs ioc.Observation) (store.UpsertResult, error) {
	if err := obs.Validate(); err != nil {
		return store.UpsertResult{}, err
	}

	obs.Score, obs.Classification = ioc.Normalize(obs.Source, obs.Raw)
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = e.now().UTC()
	}

	res, err := e.store.Upsert(ctx, obs)
	if err != nil {
		return store.UpsertResult{}, err
	}
	if e.metrics != nil {
		e.metrics.ObservationsIngested.WithLabelValues(obs.Source, string(obs.Kind)).Inc()
		e.metrics.IndicatorsMerged.WithLabelValues(strconv.FormatBool(res.Changed)).Inc()
	}
	return res, nil
}

// fanOut queries every source supporting the kind concurrently. Failures
// and no-data answers are logged and dropped; one responsive source is
// enough.
func (e *Engine) fanOut(ctx context.Context, value string, kind ioc.Kind) []ioc.Observation {
	var (
		mu      sync.Mutex
		results []ioc.Observation
		wg      sync.WaitGroup
	)

	for _, src := range e.sources {
		if !src.Supports(kind) {
			continue
		}

		wg.Add(1)
		go func(src sources.Source) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
			defer cancel()

			start := time.Now()
			obs, ok, err := src.Lookup(callCtx, kind, value)
			if e.metrics != nil {
				e.metrics.LookupDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
				e.metrics.LookupRequests.WithLabelValues(src.Name(), lookupStatus(ok, err)).Inc()
			}
			if err != nil {
				e.logger.Warn("source lookup failed",
					zap.String("source", src.Name()),
					zap.String("value", value),
					zap.Error(err))
				return
			}
			if !ok {
				return
			}

			obs.Score, obs.Classification = ioc.Normalize(obs.Source, obs.Raw)
			mu.Lock()
			results = append(results, obs)
			mu.Unlock()
		}(src)
	}

	wg.Wait()
	return results
}

func lookupStatus(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case !ok:
		return "no_data"
	default:
		return "ok"
	}
}
