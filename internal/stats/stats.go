// Package stats derives rolling dashboard statistics from the store and
// serves them from a single cached snapshot, so read traffic never scans
// the store directly.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
	"github.com/lvonguyen/ctihub/internal/store"
)

// ThreatLevel grades the last hour of activity.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// Snapshot is one computed view of recent threat activity.
type Snapshot struct {
	ThreatsLastHour  int                        `json:"threats_last_hour"`
	ThreatsLast24h   int                        `json:"threats_last_24h"`
	ByClassification map[ioc.Classification]int `json:"by_classification"`
	ThreatLevel      ThreatLevel                `json:"threat_level"`
	ComputedAt       time.Time                  `json:"computed_at"`
}

// gradeThreatLevel maps last-hour severity counts to an overall level.
func gradeThreatLevel(critical, high int) ThreatLevel {
	switch {
	case critical > 5:
		return LevelCritical
	case critical > 0 || high > 10:
		return LevelHigh
	case high > 0:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Computer derives snapshots from the store's rolling-window counts.
type Computer struct {
	store *store.Store
	now   func() time.Time
}

// NewComputer creates a snapshot computer over the store.
func NewComputer(st *store.Store) *Computer {
	return &Computer{store: st, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (c *Computer) WithClock(now func() time.Time) *Computer {
	c.now = now
	return c
}

// Compute builds a fresh snapshot. Store read failures have already
// degraded to zero counts inside the store, so Compute always succeeds;
// a degraded snapshot reads as quiet, never as an error.
func (c *Computer) Compute(ctx context.Context) Snapshot {
	now := c.now().UTC()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	breakdown := c.store.ClassificationCounts(ctx, hourAgo)

	return Snapshot{
		ThreatsLastHour:  c.store.StatsSince(ctx, hourAgo, ""),
		ThreatsLast24h:   c.store.StatsSince(ctx, dayAgo, ""),
		ByClassification: breakdown,
		ThreatLevel:      gradeThreatLevel(breakdown[ioc.ClassCritical], breakdown[ioc.ClassHigh]),
		ComputedAt:       now,
	}
}

const mirrorKey = "ctihub:stats:latest"

// Cache holds the latest snapshot behind a read lock and optionally
// mirrors it into redis so sibling processes can read it too. The mirror
// is best effort; a redis outage never fails a Set.
type Cache struct {
	mu       sync.RWMutex
	snapshot Snapshot
	setAt    time.Time
	primed   bool

	cadence time.Duration
	mirror  *redis.Client
	logger  *zap.Logger
	now     func() time.Time
}

// NewCache creates a cache that considers a snapshot stale once its age
// exceeds twice the monitor cadence. mirror may be nil.
func NewCache(cadence time.Duration, mirror *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{
		cadence: cadence,
		mirror:  mirror,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Set atomically replaces the cached snapshot and mirrors it to redis.
func (c *Cache) Set(ctx context.Context, snap Snapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.setAt = c.now()
	c.primed = true
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.mirror.Set(ctx, mirrorKey, payload, 2*c.cadence).Err(); err != nil {
		c.logger.Debug("stats mirror write failed", zap.Error(err))
	}
}

// Get returns the latest snapshot and whether it is stale. An unprimed
// cache returns a zero snapshot marked stale.
func (c *Cache) Get() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.primed {
		return Snapshot{}, true
	}
	stale := c.now().Sub(c.setAt) > 2*c.cadence
	return c.snapshot, stale
}
