package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// Common errors.
var (
	// ErrNotFound means the queried indicator does not exist. It is a
	// valid empty result, not a failure.
	ErrNotFound = errors.New("indicator not found")

	// ErrStorageUnavailable means the persistence backend failed. Write
	// paths surface it to the caller; derived-statistics read paths
	// degrade to defaults instead.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// UpsertResult describes the outcome of one merge-aware write.
type UpsertResult struct {
	Indicator *ioc.Indicator
	// Created reports whether a new canonical record was written.
	Created bool
	// Changed reports whether the write materially changed the record:
	// created, threat score raised, or classification tier changed.
	Changed bool
}

// Store exposes merge-aware upserts and query operations over an injected
// persistence backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over the given backend.
func New(backend Backend, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert looks up the observation's (value, kind) key and either creates a
// new canonical record or merges into the existing one. The observation
// must already be normalized. Merges for the same key serialize inside the
// backend; unrelated keys never block each other.
func (s *Store) Upsert(ctx context.Context, obs ioc.Observation) (UpsertResult, error) {
	if err := obs.Validate(); err != nil {
		return UpsertResult{}, err
	}

	now := s.now().UTC()
	var changed bool

	rec, created, err := s.backend.Upsert(ctx, obs.Key(), func(existing *ioc.Indicator) (*ioc.Indicator, error) {
		if existing == nil {
			changed = true
			return ioc.NewIndicator(obs, now), nil
		}
		changed = existing.Merge(obs, now)
		return existing, nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: upsert %s: %v", ErrStorageUnavailable, obs.Key(), err)
	}

	return UpsertResult{Indicator: rec, Created: created, Changed: changed}, nil
}

// Get returns the canonical record for (value, kind), or ErrNotFound.
func (s *Store) Get(ctx context.Context, value string, kind ioc.Kind) (*ioc.Indicator, error) {
	rec, err := s.backend.FindOne(ctx, ioc.Key{Value: value, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s:%s: %v", ErrStorageUnavailable, kind, value, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Page is one page of query results.
type Page struct {
	Indicators []*ioc.Indicator `json:"iocs"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Pages      int              `json:"pages"`
}

// QueryPage returns the requested 1-indexed page of records matching pred,
// ordered by the given sort.
func (s *Store) QueryPage(ctx context.Context, pred Predicate, order Sort, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	recs, total, err := s.backend.FindMany(ctx, pred, order, (page-1)*pageSize, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("%w: query page: %v", ErrStorageUnavailable, err)
	}

	return Page{
		Indicators: recs,
		Total:      total,
		Page:       page,
		Pages:      (total + pageSize - 1) / pageSize,
	}, nil
}

// StatsSince counts records first seen at or after cutoff, optionally
// restricted to one classification tier. A backend failure here degrades
// to zero with a warning; derived statistics must never abort the caller.
func (s *Store) StatsSince(ctx context.Context, cutoff time.Time, class ioc.Classification) int {
	count, err := s.backend.CountMatching(ctx, Predicate{Since: cutoff, Classification: class})
	if err != nil {
		s.logger.Warn("stats count degraded to zero",
			zap.Time("cutoff", cutoff),
			zap.String("classification", string(class)),
			zap.Error(err))
		return 0
	}
	return count
}

// ClassificationCounts groups records first seen at or after since by
// classification tier. A zero since covers everything. Read failures
// degrade to an empty breakdown.
func (s *Store) ClassificationCounts(ctx context.Context, since time.Time) map[ioc.Classification]int {
	counts, err := s.backend.Aggregate(ctx, Predicate{Since: since})
	if err != nil {
		s.logger.Warn("classification breakdown degraded to empty", zap.Error(err))
		return map[ioc.Classification]int{}
	}
	return counts
}

// AddTags unions extra tags into an existing record. Returns ErrNotFound
// when the record does not exist; tag updates never create records.
func (s *Store) AddTags(ctx context.Context, value string, kind ioc.Kind, tags []string) (*ioc.Indicator, error) {
	rec, _, err := s.backend.Upsert(ctx, ioc.Key{Value: value, Kind: kind}, func(existing *ioc.Indicator) (*ioc.Indicator, error) {
		if existing == nil {
			return nil, ErrNotFound
		}
		existing.AddTags(tags)
		return existing, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: tag %s:%s: %v", ErrStorageUnavailable, kind, value, err)
	}
	return rec, nil
}

// TopByScore returns up to limit records ordered by threat score,
// optionally filtered by kind and classification.
func (s *Store) TopByScore(ctx context.Context, kind ioc.Kind, class ioc.Classification, limit int) ([]*ioc.Indicator, error) {
	if limit < 1 {
		limit = 100
	}
	recs, _, err := s.backend.FindMany(ctx, Predicate{Kind: kind, Classification: class}, SortScore, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top by score: %v", ErrStorageUnavailable, err)
	}
	return recs, nil
}

// ExportSince returns all records first seen at or after cutoff, newest
// first, for export rendering.
func (s *Store) ExportSince(ctx context.Context, cutoff time.Time) ([]*ioc.Indicator, error) {
	recs, _, err := s.backend.FindMany(ctx, Predicate{Since: cutoff}, SortRecency, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: export: %v", ErrStorageUnavailable, err)
	}
	return recs, nil
}
