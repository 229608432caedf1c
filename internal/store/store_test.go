package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(NewMemoryBackend(), zap.NewNop())
}

func obsWith(value string, kind ioc.Kind, source string, score int) ioc.Observation {
	return ioc.Observation{
		Value:      value,
		Kind:       kind,
		Source:     source,
		Score:      score,
		ObservedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Upsert Tests
// =============================================================================

// TestUpsert_CreatesThenMerges verifies two observations of the same
// (value, kind) produce one record with unioned sources and max score.
func TestUpsert_CreatesThenMerges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, obsWith("198.51.100.7", ioc.KindIP, "A", 90))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !first.Created {
		t.Error("first upsert should create the record")
	}

	second, err := s.Upsert(ctx, obsWith("198.51.100.7", ioc.KindIP, "B", 30))
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.Created {
		t.Error("second upsert should merge, not create")
	}

	rec := second.Indicator
	if rec.ThreatScore != 90 {
		t.Errorf("threat score = %d, want 90", rec.ThreatScore)
	}
	if rec.Classification != ioc.ClassCritical {
		t.Errorf("classification = %s, want critical", rec.Classification)
	}
	if len(rec.Sources) != 2 {
		t.Errorf("sources = %v, want [A B]", rec.Sources)
	}

	// Still exactly one record.
	page, err := s.QueryPage(ctx, Predicate{}, SortRecency, 1, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("total records = %d, want 1", page.Total)
	}
}

// TestUpsert_ChangedFlag verifies the materially-changed flag surfaces
// through the store.
func TestUpsert_ChangedFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, _ := s.Upsert(ctx, obsWith("evil.example", ioc.KindDomain, "A", 70))
	if !res.Changed {
		t.Error("creation should count as a material change")
	}

	res, _ = s.Upsert(ctx, obsWith("evil.example", ioc.KindDomain, "B", 50))
	if res.Changed {
		t.Error("lower score merge should not be a material change")
	}

	res, _ = s.Upsert(ctx, obsWith("evil.example", ioc.KindDomain, "C", 85))
	if !res.Changed {
		t.Error("score raise across a tier boundary should be a material change")
	}
}

// TestUpsert_RejectsInvalid verifies malformed observations never reach
// the backend.
func TestUpsert_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Upsert(context.Background(), ioc.Observation{Kind: ioc.KindIP, Source: "A"})
	if !errors.Is(err, ioc.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestUpsert_ConcurrentSameKey verifies merges for one key serialize: every
// source lands and the max score wins.
func TestUpsert_ConcurrentSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs := obsWith("203.0.113.9", ioc.KindIP, fmt.Sprintf("src-%02d", i), i*2)
			if _, err := s.Upsert(ctx, obs); err != nil {
				t.Errorf("upsert %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := s.Get(ctx, "203.0.113.9", ioc.KindIP)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rec.Sources) != writers {
		t.Errorf("sources = %d, want %d", len(rec.Sources), writers)
	}
	if rec.ThreatScore != (writers-1)*2 {
		t.Errorf("threat score = %d, want %d", rec.ThreatScore, (writers-1)*2)
	}
	if len(rec.Observations) != writers {
		t.Errorf("observations = %d, want %d (append-only)", len(rec.Observations), writers)
	}
}

// =============================================================================
// Query Tests
// =============================================================================

// TestQueryPage_Pagination verifies 120 records at pageSize 50 yield 20
// records on page 3 and pages = 3.
func TestQueryPage_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		obs := obsWith(fmt.Sprintf("10.0.%d.%d", i/250, i%250), ioc.KindIP, "gen", 40)
		if _, err := s.Upsert(ctx, obs); err != nil {
			t.Fatalf("seed upsert %d failed: %v", i, err)
		}
	}

	page, err := s.QueryPage(ctx, Predicate{}, SortRecency, 3, 50)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if len(page.Indicators) != 20 {
		t.Errorf("page 3 returned %d records, want 20", len(page.Indicators))
	}
	if page.Pages != 3 {
		t.Errorf("pages = %d, want 3", page.Pages)
	}
	if page.Total != 120 {
		t.Errorf("total = %d, want 120", page.Total)
	}
}

// TestQueryPage_PredicateFilters verifies substring search and exact tag
// matching.
func TestQueryPage_PredicateFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	phish := obsWith("paypal-verify99.tk", ioc.KindDomain, "email_filter", 85)
	phish.Tags = []string{"phishing"}
	phish.Description = "Phishing domain detected by email_filter"
	s.Upsert(ctx, phish)

	bot := obsWith("45.77.1.2", ioc.KindIP, "network_monitor", 92)
	bot.Tags = []string{"botnet"}
	s.Upsert(ctx, bot)

	page, err := s.QueryPage(ctx, Predicate{Search: "PayPal"}, SortRecency, 1, 10)
	if err != nil {
		t.Fatalf("search query failed: %v", err)
	}
	if page.Total != 1 || page.Indicators[0].Value != "paypal-verify99.tk" {
		t.Errorf("search 'PayPal' matched %d records, want the phishing domain", page.Total)
	}

	page, err = s.QueryPage(ctx, Predicate{Tag: "botnet"}, SortRecency, 1, 10)
	if err != nil {
		t.Fatalf("tag query failed: %v", err)
	}
	if page.Total != 1 || page.Indicators[0].Value != "45.77.1.2" {
		t.Errorf("tag 'botnet' matched %d records, want the botnet IP", page.Total)
	}

	// Prefix of a tag must not match.
	page, _ = s.QueryPage(ctx, Predicate{Tag: "bot"}, SortRecency, 1, 10)
	if page.Total != 0 {
		t.Errorf("tag 'bot' matched %d records, want 0 (exact match only)", page.Total)
	}
}

// TestGet_NotFound verifies a missing record is a distinct result, not a
// storage failure.
func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope.example", ioc.KindDomain)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Stats Tests
// =============================================================================

// TestStatsSince verifies windowed counts with and without a
// classification filter.
func TestStatsSince(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	s := New(NewMemoryBackend(), zap.NewNop(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	clock = base.Add(-2 * time.Hour)
	s.Upsert(ctx, obsWith("old.example", ioc.KindDomain, "A", 85))

	clock = base.Add(-10 * time.Minute)
	s.Upsert(ctx, obsWith("new1.example", ioc.KindDomain, "A", 85))
	s.Upsert(ctx, obsWith("new2.example", ioc.KindDomain, "A", 40))

	clock = base
	hourAgo := base.Add(-time.Hour)

	if got := s.StatsSince(ctx, hourAgo, ""); got != 2 {
		t.Errorf("last hour count = %d, want 2", got)
	}
	if got := s.StatsSince(ctx, hourAgo, ioc.ClassCritical); got != 1 {
		t.Errorf("critical last hour = %d, want 1", got)
	}
	if got := s.StatsSince(ctx, base.Add(-24*time.Hour), ""); got != 3 {
		t.Errorf("last 24h count = %d, want 3", got)
	}
}

// TestStatsSince_DegradesOnFailure verifies a backend read failure yields
// zero instead of an error.
func TestStatsSince_DegradesOnFailure(t *testing.T) {
	s := New(&failingBackend{}, zap.NewNop())

	if got := s.StatsSince(context.Background(), time.Now().Add(-time.Hour), ""); got != 0 {
		t.Errorf("degraded count = %d, want 0", got)
	}
}

// =============================================================================
// Tag Tests
// =============================================================================

// TestAddTags verifies union semantics and that tagging never creates
// records.
func TestAddTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	obs := obsWith("1.2.3.4", ioc.KindIP, "A", 70)
	obs.Tags = []string{"malware"}
	s.Upsert(ctx, obs)

	rec, err := s.AddTags(ctx, "1.2.3.4", ioc.KindIP, []string{"reviewed", "malware"})
	if err != nil {
		t.Fatalf("AddTags failed: %v", err)
	}
	if len(rec.Tags) != 2 {
		t.Errorf("tags = %v, want [malware reviewed]", rec.Tags)
	}

	if _, err := s.AddTags(ctx, "9.9.9.9", ioc.KindIP, []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("tagging a missing record should return ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Backend Failure Tests
// =============================================================================

// failingBackend simulates an unreachable persistence layer.
type failingBackend struct{}

var errDown = errors.New("backend down")

func (f *failingBackend) Upsert(context.Context, ioc.Key, func(*ioc.Indicator) (*ioc.Indicator, error)) (*ioc.Indicator, bool, error) {
	return nil, false, errDown
}
func (f *failingBackend) FindOne(context.Context, ioc.Key) (*ioc.Indicator, error) {
	return nil, errDown
}
func (f *failingBackend) FindMany(context.Context, Predicate, Sort, int, int) ([]*ioc.Indicator, int, error) {
	return nil, 0, errDown
}
func (f *failingBackend) CountMatching(context.Context, Predicate) (int, error) { return 0, errDown }
func (f *failingBackend) Aggregate(context.Context, Predicate) (map[ioc.Classification]int, error) {
	return nil, errDown
}
func (f *failingBackend) Close() error { return nil }

// TestUpsert_StorageUnavailable verifies write failures surface as the
// distinct storage condition.
func TestUpsert_StorageUnavailable(t *testing.T) {
	s := New(&failingBackend{}, zap.NewNop())

	_, err := s.Upsert(context.Background(), obsWith("1.1.1.1", ioc.KindIP, "A", 10))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}

// =============================================================================
// Bolt Backend Tests
// =============================================================================

// TestBoltBackend_RoundTrip verifies records survive upsert, merge, and
// query through the bbolt backend.
func TestBoltBackend_RoundTrip(t *testing.T) {
	backend, err := OpenBolt(filepath.Join(t.TempDir(), "iocs.db"))
	if err != nil {
		t.Fatalf("OpenBolt failed: %v", err)
	}
	defer backend.Close()

	s := New(backend, zap.NewNop())
	ctx := context.Background()

	s.Upsert(ctx, obsWith("bad.example", ioc.KindDomain, "A", 65))
	s.Upsert(ctx, obsWith("bad.example", ioc.KindDomain, "B", 90))

	rec, err := s.Get(ctx, "bad.example", ioc.KindDomain)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.ThreatScore != 90 || len(rec.Sources) != 2 {
		t.Errorf("record = score %d sources %v, want 90 with 2 sources", rec.ThreatScore, rec.Sources)
	}

	counts := s.ClassificationCounts(ctx, time.Time{})
	if counts[ioc.ClassCritical] != 1 {
		t.Errorf("critical count = %d, want 1", counts[ioc.ClassCritical])
	}
}
