// Package nutsdbstore persists rate-limit buckets and greylist rows to an
// embedded nutsdb database, implementing smtp.RateLimitStore and
// smtp.GreylistStore so the admission package's in-memory structures
// survive a restart (SPEC_FULL.md §4.7). Grounded on the teacher pack's
// component-wrapper lifecycle (construct, Open once, Close on shutdown);
// the storage calls themselves use nutsdb's own transactional bucket API.
package nutsdbstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nutsdb/nutsdb"

	"github.com/duskmail/ingest/lalog"
	"github.com/duskmail/ingest/smtp"
)

const (
	rateLimitBucket = "rate_limit_buckets"
	greylistBucket  = "greylist_rows"
	keySep          = "\x1f" // unlikely to appear in a rate-limit key or greylist hash
)

// Store implements both smtp.RateLimitStore and smtp.GreylistStore over one
// nutsdb database, so the admission layer can share a single embedded file
// for both sub-policies.
type Store struct {
	db     *nutsdb.DB
	logger lalog.Logger
}

// Open opens (creating if absent) a nutsdb database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := nutsdb.DefaultOptions
	opts.Dir = dir
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("nutsdbstore.Open: %w", err)
	}
	return &Store{db: db, logger: lalog.Logger{ComponentName: "store.nutsdbstore"}}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func rateLimitKey(key string, bucket int64) []byte {
	return []byte(key + keySep + fmt.Sprintf("%020d", bucket))
}

// LoadBuckets implements smtp.RateLimitStore.
func (s *Store) LoadBuckets(ctx context.Context, key string) (map[int64]int, error) {
	prefix := []byte(key + keySep)
	result := make(map[int64]int)
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, _, err := tx.PrefixScan(rateLimitBucket, prefix, 0, 10000)
		if err == nutsdb.ErrBucketNotFound || err == nutsdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			suffix := strings.TrimPrefix(string(e.Key), string(prefix))
			var bucket int64
			if _, scanErr := fmt.Sscanf(suffix, "%020d", &bucket); scanErr != nil {
				continue
			}
			result[bucket] = int(binary.BigEndian.Uint64(e.Value))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nutsdbstore.LoadBuckets: %w", err)
	}
	return result, nil
}

// SaveBucket implements smtp.RateLimitStore.
func (s *Store) SaveBucket(ctx context.Context, key string, bucket int64, count int) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(count))
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(rateLimitBucket, rateLimitKey(key, bucket), val, 0)
	})
	if err != nil {
		s.logger.Warning(key, err, "failed to persist rate-limit bucket")
	}
	return err
}

// DeleteKey implements smtp.RateLimitStore, removing every bucket row under
// key via a prefix scan since nutsdb has no native "delete by prefix".
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	prefix := []byte(key + keySep)
	return s.db.Update(func(tx *nutsdb.Tx) error {
		entries, _, err := tx.PrefixScan(rateLimitBucket, prefix, 0, 10000)
		if err == nutsdb.ErrBucketNotFound || err == nutsdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if delErr := tx.Delete(rateLimitBucket, e.Key); delErr != nil {
				return delErr
			}
		}
		return nil
	})
}

// LoadAll implements smtp.GreylistStore.
func (s *Store) LoadAll(ctx context.Context) ([]smtp.GreylistRow, error) {
	var rows []smtp.GreylistRow
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(greylistBucket)
		if err == nutsdb.ErrBucketNotFound || err == nutsdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			var row smtp.GreylistRow
			if jsonErr := json.Unmarshal(e.Value, &row); jsonErr != nil {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nutsdbstore.LoadAll: %w", err)
	}
	return rows, nil
}

// Save implements smtp.GreylistStore.
func (s *Store) Save(ctx context.Context, row smtp.GreylistRow) error {
	val, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("nutsdbstore.Save: marshal: %w", err)
	}
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(greylistBucket, []byte(row.Key), val, 0)
	})
}

// Delete implements smtp.GreylistStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *nutsdb.Tx) error {
		err := tx.Delete(greylistBucket, []byte(key))
		if err == nutsdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}
