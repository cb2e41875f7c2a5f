package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketIdempotency = []byte("idempotency")

// BoltIdempotencyStore persists idempotency records in a BoltDB file so
// replays survive a node restart.
type BoltIdempotencyStore struct {
	db *bolt.DB
}

var _ IdempotencyStore = (*BoltIdempotencyStore)(nil)

// OpenBoltIdempotencyStore opens (or creates) the store at path.
func OpenBoltIdempotencyStore(path string) (*BoltIdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init idempotency store: %w", err)
	}
	return &BoltIdempotencyStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltIdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltIdempotencyStore) Reserve(scope, fingerprint string, now time.Time, ttl time.Duration) (*IdempotencyRecord, error) {
	var replay *IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		// An unreadable record is overwritten by a fresh reservation.
		existing, _ := decodeRecord(bucket.Get([]byte(scope)))
		found, next, err := reserve(existing, fingerprint, now, ttl)
		if err != nil {
			return err
		}
		replay = found
		if next == nil {
			return nil
		}
		return putRecord(bucket, scope, next)
	})
	if err != nil {
		return nil, err
	}
	return replay, nil
}

func (s *BoltIdempotencyStore) Complete(scope string, record *IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		if bucket.Get([]byte(scope)) == nil {
			return nil
		}
		return putRecord(bucket, scope, record)
	})
}

func (s *BoltIdempotencyStore) Release(scope string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Delete([]byte(scope))
	})
}

// Prune deletes every record older than ttl and reports how many went.
func (s *BoltIdempotencyStore) Prune(now time.Time, ttl time.Duration) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			record, err := decodeRecord(v)
			if err != nil || record.expired(now, ttl) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func decodeRecord(raw []byte) (*IdempotencyRecord, error) {
	if raw == nil {
		return nil, nil
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.Join(errors.New("decode idempotency record"), err)
	}
	return &record, nil
}

func putRecord(bucket *bolt.Bucket, scope string, record *IdempotencyRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(scope), raw)
}
