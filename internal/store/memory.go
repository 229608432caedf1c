package store

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

// memoryShards stripes the key space so merges for unrelated keys never
// contend on one mutex.
const memoryShards = 64

type memoryShard struct {
	mu   sync.RWMutex
	docs map[string]*ioc.Indicator
}

// MemoryBackend is an in-process Backend used for demo mode and tests.
// Records are deep-copied on the way in and out, so callers never alias
// shard-owned state.
type MemoryBackend struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.shards {
		b.shards[i] = &memoryShard{docs: make(map[string]*ioc.Indicator)}
	}
	return b
}

func (b *MemoryBackend) shard(key ioc.Key) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return b.shards[h.Sum32()%memoryShards]
}

// Upsert runs merge under the key's shard lock.
func (b *MemoryBackend) Upsert(ctx context.Context, key ioc.Key, merge func(existing *ioc.Indicator) (*ioc.Indicator, error)) (*ioc.Indicator, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	sh := b.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing := sh.docs[key.String()]
	var input *ioc.Indicator
	if existing != nil {
		input = existing.Clone()
	}

	next, err := merge(input)
	if err != nil {
		return nil, false, err
	}

	sh.docs[key.String()] = next.Clone()
	return next, existing == nil, nil
}

// FindOne returns a copy of the record for key, or nil when absent.
func (b *MemoryBackend) FindOne(ctx context.Context, key ioc.Key) (*ioc.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := b.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.docs[key.String()]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// FindMany filters all shards, sorts, and paginates.
func (b *MemoryBackend) FindMany(ctx context.Context, pred Predicate, order Sort, skip, limit int) ([]*ioc.Indicator, int, error) {
	matched, err := b.collect(ctx, pred)
	if err != nil {
		return nil, 0, err
	}

	total := len(matched)
	sortIndicators(matched, order)
	return paginate(matched, skip, limit), total, nil
}

// CountMatching returns the number of records matching pred.
func (b *MemoryBackend) CountMatching(ctx context.Context, pred Predicate) (int, error) {
	matched, err := b.collect(ctx, pred)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Aggregate groups matching records by classification.
func (b *MemoryBackend) Aggregate(ctx context.Context, pred Predicate) (map[ioc.Classification]int, error) {
	matched, err := b.collect(ctx, pred)
	if err != nil {
		return nil, err
	}

	counts := make(map[ioc.Classification]int)
	for _, rec := range matched {
		counts[rec.Classification]++
	}
	return counts, nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) collect(ctx context.Context, pred Predicate) ([]*ioc.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []*ioc.Indicator
	for _, sh := range b.shards {
		sh.mu.RLock()
		for _, rec := range sh.docs {
			if pred.Matches(rec) {
				matched = append(matched, rec.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return matched, nil
}
