// Package store owns canonical indicator records. It layers merge-aware
// upserts, paged queries, and rolling-window counts on top of a narrow
// persistence backend so the engine and the monitor never touch storage
// directly.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// Sort selects the ordering FindMany applies before pagination.
type Sort int

const (
	// SortRecency orders newest-first by first-seen time.
	SortRecency Sort = iota
	// SortScore orders by threat score, highest first.
	SortScore
)

// Predicate filters indicator records. Zero-value fields do not constrain
// the match.
type Predicate struct {
	// Search matches as a case-insensitive substring of value or description.
	Search string
	// Tag requires an exact tag match.
	Tag string
	// Kind restricts to one indicator kind.
	Kind ioc.Kind
	// Classification restricts to one severity tier.
	Classification ioc.Classification
	// Since restricts to records first seen at or after the cutoff.
	Since time.Time
}

// Matches reports whether the record satisfies every set constraint.
func (p Predicate) Matches(ind *ioc.Indicator) bool {
	if p.Kind != "" && ind.Kind != p.Kind {
		return false
	}
	if p.Classification != "" && ind.Classification != p.Classification {
		return false
	}
	if !p.Since.IsZero() && ind.FirstSeen.Before(p.Since) {
		return false
	}
	if p.Tag != "" && !containsString(ind.Tags, p.Tag) {
		return false
	}
	if p.Search != "" {
		needle := strings.ToLower(p.Search)
		if !strings.Contains(strings.ToLower(ind.Value), needle) &&
			!strings.Contains(strings.ToLower(ind.Description), needle) {
			return false
		}
	}
	return true
}

// Backend is the persistence capability the store is built on: atomic
// single-document read-merge-write plus query-by-predicate. Implementations
// must serialize concurrent merges for the same key without blocking writes
// to unrelated keys.
type Backend interface {
	// Upsert applies merge under the key's write lock. merge receives the
	// existing record (nil when absent) and returns the record to persist.
	// The created flag reports whether a new record was written.
	Upsert(ctx context.Context, key ioc.Key, merge func(existing *ioc.Indicator) (*ioc.Indicator, error)) (rec *ioc.Indicator, created bool, err error)

	// FindOne returns the record for key, or nil when absent.
	FindOne(ctx context.Context, key ioc.Key) (*ioc.Indicator, error)

	// FindMany returns up to limit records matching pred after skipping
	// skip, plus the total match count before pagination.
	FindMany(ctx context.Context, pred Predicate, order Sort, skip, limit int) ([]*ioc.Indicator, int, error)

	// CountMatching returns the number of records matching pred.
	CountMatching(ctx context.Context, pred Predicate) (int, error)

	// Aggregate groups records matching pred by classification.
	Aggregate(ctx context.Context, pred Predicate) (map[ioc.Classification]int, error)

	// Close releases backend resources.
	Close() error
}

// sortIndicators orders records in place for pagination.
func sortIndicators(recs []*ioc.Indicator, order Sort) {
	switch order {
	case SortScore:
		sort.SliceStable(recs, func(i, j int) bool {
			if recs[i].ThreatScore != recs[j].ThreatScore {
				return recs[i].ThreatScore > recs[j].ThreatScore
			}
			return recs[i].FirstSeen.After(recs[j].FirstSeen)
		})
	default:
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].FirstSeen.After(recs[j].FirstSeen)
		})
	}
}

func paginate(recs []*ioc.Indicator, skip, limit int) []*ioc.Indicator {
	if skip >= len(recs) {
		return nil
	}
	recs = recs[skip:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
