package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/engine"
	"github.com/lvonguyen/ctihub/internal/events"
	"github.com/lvonguyen/ctihub/internal/feeds"
	"github.com/lvonguyen/ctihub/internal/ioc"
	"github.com/lvonguyen/ctihub/internal/observability"
	"github.com/lvonguyen/ctihub/internal/stats"
	"github.com/lvonguyen/ctihub/internal/store"
)

// capturePublisher records every published event.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) byType(typ string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func obsFor(value string, score float64) ioc.Observation {
	return ioc.Observation{
		Value:  value,
		Kind:   ioc.KindIP,
		Source: "feed",
		Raw:    ioc.Confidence(score),
	}
}

// harness wires a monitor over a memory store with a scripted producer.
type harness struct {
	monitor *Monitor
	store   *store.Store
	cache   *stats.Cache
	pub     *capturePublisher
	cycles  chan struct{}
}

func newHarness(t *testing.T, produce func(call int) ([]ioc.Observation, error)) *harness {
	t.Helper()

	st := store.New(store.NewMemoryBackend(), zap.NewNop())
	eng := engine.New(st, nil, zap.NewNop())
	cache := stats.NewCache(10*time.Second, nil, zap.NewNop())
	pub := &capturePublisher{}
	cycles := make(chan struct{}, 100)

	var calls int
	producer := feeds.ProducerFunc(func(ctx context.Context) ([]ioc.Observation, error) {
		calls++
		batch, err := produce(calls)
		select {
		case cycles <- struct{}{}:
		default:
		}
		return batch, err
	})

	m := New(producer, eng, stats.NewComputer(st), cache, pub, zap.NewNop(),
		WithIntervals(5*time.Millisecond, 20*time.Millisecond))

	return &harness{monitor: m, store: st, cache: cache, pub: pub, cycles: cycles}
}

func (h *harness) waitCycles(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.cycles:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for cycle %d of %d", i+1, n)
		}
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestMonitor_Lifecycle walks idle through running to stopped and checks
// the terminal state rejects restarts.
func TestMonitor_Lifecycle(t *testing.T) {
	h := newHarness(t, func(int) ([]ioc.Observation, error) { return nil, nil })
	m := h.monitor

	if m.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", m.State())
	}

	if err := m.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("state after start = %s, want running", m.State())
	}

	// Second start while running is a no-op.
	if err := m.Start(); err != nil {
		t.Fatalf("idempotent start returned %v", err)
	}

	m.Stop()
	if m.State() != StateStopped {
		t.Fatalf("state after stop = %s, want stopped", m.State())
	}

	// Stop is idempotent, start after stop is refused.
	m.Stop()
	if err := m.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop = %v, want ErrStopped", err)
	}
}

// TestMonitor_StopWaitsForInFlightCycle verifies Stop returns only after
// the loop goroutine has finished its current cycle.
func TestMonitor_StopWaitsForInFlightCycle(t *testing.T) {
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(1)

	h := newHarness(t, func(call int) ([]ioc.Observation, error) {
		if call == 1 {
			defer finished.Done()
			<-release
		}
		return nil, nil
	})

	h.monitor.Start()
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	h.monitor.Stop()
	// If Stop returned early, Wait would still be pending.
	done := make(chan struct{})
	go func() { finished.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop returned before the in-flight cycle completed")
	}
}

// =============================================================================
// Cycle Tests
// =============================================================================

// TestMonitor_RecordsAndPublishes verifies a cycle lands observations in
// the store, refreshes the stats cache, and publishes both event types.
func TestMonitor_RecordsAndPublishes(t *testing.T) {
	h := newHarness(t, func(call int) ([]ioc.Observation, error) {
		if call == 1 {
			return []ioc.Observation{obsFor("198.51.100.8", 91)}, nil
		}
		return nil, nil
	})

	h.monitor.Start()
	defer h.monitor.Stop()
	h.waitCycles(t, 2)

	rec, err := h.store.Get(context.Background(), "198.51.100.8", ioc.KindIP)
	if err != nil {
		t.Fatalf("observation never landed: %v", err)
	}
	if rec.Classification != ioc.ClassCritical {
		t.Errorf("classification = %s, want critical", rec.Classification)
	}

	snap, stale := h.cache.Get()
	if stale {
		t.Error("stats cache stale right after a cycle")
	}
	if snap.ThreatsLastHour != 1 {
		t.Errorf("threats last hour = %d, want 1", snap.ThreatsLastHour)
	}

	if got := h.pub.byType(events.TypeNewObservation); len(got) != 1 {
		t.Errorf("new-observation events = %d, want 1", len(got))
	}
	if got := h.pub.byType(events.TypeStatsUpdate); len(got) < 1 {
		t.Error("no stats-update event published")
	}
}

// TestMonitor_ObservationFaultIsolation verifies one bad observation in a
// batch never blocks its neighbors or the stats refresh.
func TestMonitor_ObservationFaultIsolation(t *testing.T) {
	h := newHarness(t, func(call int) ([]ioc.Observation, error) {
		if call == 1 {
			return []ioc.Observation{
				obsFor("198.51.100.1", 85),
				{Kind: ioc.KindIP, Source: "feed"}, // missing value, rejected
				obsFor("198.51.100.3", 70),
			}, nil
		}
		return nil, nil
	})

	h.monitor.Start()
	defer h.monitor.Stop()
	h.waitCycles(t, 2)

	ctx := context.Background()
	for _, value := range []string{"198.51.100.1", "198.51.100.3"} {
		if _, err := h.store.Get(ctx, value, ioc.KindIP); err != nil {
			t.Errorf("healthy observation %s did not land: %v", value, err)
		}
	}

	snap, _ := h.cache.Get()
	if snap.ThreatsLastHour != 2 {
		t.Errorf("threats last hour = %d, want 2 (bad observation skipped)", snap.ThreatsLastHour)
	}
}

// TestMonitor_ProducerFailureBacksOff verifies a failed cycle keeps the
// loop alive and the next cycle still runs.
func TestMonitor_ProducerFailureBacksOff(t *testing.T) {
	h := newHarness(t, func(call int) ([]ioc.Observation, error) {
		if call == 1 {
			return nil, errors.New("feed unreachable")
		}
		return []ioc.Observation{obsFor("203.0.113.9", 88)}, nil
	})

	h.monitor.Start()
	defer h.monitor.Stop()
	h.waitCycles(t, 2)

	if _, err := h.store.Get(context.Background(), "203.0.113.9", ioc.KindIP); err != nil {
		t.Errorf("cycle after a failure did not recover: %v", err)
	}
}

// TestCycle_RecordFailureBacksOff verifies a failed record keeps its
// neighbors isolated but still backs the next cycle off, and that cycle
// outcomes are counted.
func TestCycle_RecordFailureBacksOff(t *testing.T) {
	tel, err := observability.New(observability.Config{
		ServiceName:    "monitor-test",
		MetricsEnabled: true,
	})
	if err != nil {
		t.Fatalf("telemetry init failed: %v", err)
	}

	st := store.New(store.NewMemoryBackend(), zap.NewNop())
	eng := engine.New(st, nil, zap.NewNop())
	cache := stats.NewCache(10*time.Second, nil, zap.NewNop())

	var batch []ioc.Observation
	producer := feeds.ProducerFunc(func(ctx context.Context) ([]ioc.Observation, error) {
		return batch, nil
	})

	m := New(producer, eng, stats.NewComputer(st), cache, &capturePublisher{}, zap.NewNop(),
		WithIntervals(5*time.Millisecond, 20*time.Millisecond),
		WithMetrics(tel.Metrics()))

	ctx := context.Background()

	batch = []ioc.Observation{obsFor("198.51.100.1", 85)}
	if got := m.cycle(ctx); got != m.interval {
		t.Errorf("clean cycle returned %v, want normal interval %v", got, m.interval)
	}

	batch = []ioc.Observation{
		obsFor("198.51.100.2", 60),
		{Kind: ioc.KindIP, Source: "feed"}, // missing value, rejected
	}
	if got := m.cycle(ctx); got != m.errInterval {
		t.Errorf("cycle with a record failure returned %v, want error interval %v", got, m.errInterval)
	}

	// The healthy neighbor still landed despite the backoff.
	if _, err := st.Get(ctx, "198.51.100.2", ioc.KindIP); err != nil {
		t.Errorf("healthy observation did not land: %v", err)
	}

	if got := testutil.ToFloat64(tel.Metrics().MonitorCycles.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.Metrics().MonitorCycles.WithLabelValues("error")); got != 1 {
		t.Errorf("error cycles = %v, want 1", got)
	}
}

// TestMonitor_NoEventForUnchangedMerge verifies re-observing an indicator
// with a lower score publishes no new-observation event.
func TestMonitor_NoEventForUnchangedMerge(t *testing.T) {
	h := newHarness(t, func(call int) ([]ioc.Observation, error) {
		switch call {
		case 1:
			return []ioc.Observation{obsFor("198.51.100.4", 90)}, nil
		case 2:
			return []ioc.Observation{obsFor("198.51.100.4", 40)}, nil
		}
		return nil, nil
	})

	h.monitor.Start()
	defer h.monitor.Stop()
	h.waitCycles(t, 3)

	if got := h.pub.byType(events.TypeNewObservation); len(got) != 1 {
		t.Errorf("new-observation events = %d, want 1 (lower score is not material)", len(got))
	}
}
