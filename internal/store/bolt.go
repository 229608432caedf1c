package store

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/lvonguyen/ctihub/internal/ioc"
)

var indicatorBucket = []byte("indicators")

// BoltBackend persists indicator records in a bbolt database, one JSON
// document per (value, kind) key. bbolt runs one write transaction at a
// time, so the read-merge-write sequence inside Upsert is atomic per key by
// construction; readers run on independent snapshots and never block.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path and ensures the
// indicator bucket exists.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indicatorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating indicator bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

// Upsert applies merge inside a single write transaction.
func (b *BoltBackend) Upsert(ctx context.Context, key ioc.Key, merge func(existing *ioc.Indicator) (*ioc.Indicator, error)) (*ioc.Indicator, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		rec     *ioc.Indicator
		created bool
	)

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(indicatorBucket)

		var existing *ioc.Indicator
		if raw := bucket.Get([]byte(key.String())); raw != nil {
			existing = &ioc.Indicator{}
			if err := json.Unmarshal(raw, existing); err != nil {
				return fmt.Errorf("decoding record %s: %w", key, err)
			}
		}

		next, err := merge(existing)
		if err != nil {
			return err
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", key, err)
		}
		if err := bucket.Put([]byte(key.String()), raw); err != nil {
			return err
		}

		rec = next
		created = existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return rec, created, nil
}

// FindOne returns the record for key, or nil when absent.
func (b *BoltBackend) FindOne(ctx context.Context, key ioc.Key) (*ioc.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *ioc.Indicator
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(indicatorBucket).Get([]byte(key.String()))
		if raw == nil {
			return nil
		}
		rec = &ioc.Indicator{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindMany scans the bucket, filters, sorts, and paginates.
func (b *BoltBackend) FindMany(ctx context.Context, pred Predicate, order Sort, skip, limit int) ([]*ioc.Indicator, int, error) {
	matched, err := b.scan(ctx, pred)
	if err != nil {
		return nil, 0, err
	}

	total := len(matched)
	sortIndicators(matched, order)
	return paginate(matched, skip, limit), total, nil
}

// CountMatching returns the number of records matching pred.
func (b *BoltBackend) CountMatching(ctx context.Context, pred Predicate) (int, error) {
	matched, err := b.scan(ctx, pred)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Aggregate groups matching records by classification.
func (b *BoltBackend) Aggregate(ctx context.Context, pred Predicate) (map[ioc.Classification]int, error) {
	matched, err := b.scan(ctx, pred)
	if err != nil {
		return nil, err
	}

	counts := make(map[ioc.Classification]int)
	for _, rec := range matched {
		counts[rec.Classification]++
	}
	return counts, nil
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error { return b.db.Close() }

func (b *BoltBackend) scan(ctx context.Context, pred Predicate) ([]*ioc.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []*ioc.Indicator
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indicatorBucket).ForEach(func(_, raw []byte) error {
			rec := &ioc.Indicator{}
			if err := json.Unmarshal(raw, rec); err != nil {
				return err
			}
			if pred.Matches(rec) {
				matched = append(matched, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}
