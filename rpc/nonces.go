package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNonces = []byte("nonces")

// BoltNonceStore persists signed-request nonces in a bbolt file.
type BoltNonceStore struct {
	db *bolt.DB
}

type storedNonce struct {
	Address    string    `json:"address"`
	Timestamp  string    `json:"timestamp"`
	Nonce      string    `json:"nonce"`
	ObservedAt time.Time `json:"observedAt"`
}

// OpenBoltNonceStore opens (or creates) the nonce database at path.
func OpenBoltNonceStore(path string) (*BoltNonceStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltNonceStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureNonce records the nonce and reports whether it was already present.
func (s *BoltNonceStore) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("rpc: nonce store not initialised")
	}
	key := []byte(nonceKey(record.Address, record.Timestamp, record.Nonce))
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		if bucket.Get(key) != nil {
			existed = true
			return nil
		}
		payload, err := json.Marshal(storedNonce{
			Address:    record.Address,
			Timestamp:  record.Timestamp,
			Nonce:      record.Nonce,
			ObservedAt: record.ObservedAt.UTC(),
		})
		if err != nil {
			return err
		}
		return bucket.Put(key, payload)
	})
	return existed, err
}

// RecentNonces returns the nonces observed at or after cutoff.
func (s *BoltNonceStore) RecentNonces(_ context.Context, cutoff time.Time) ([]NonceRecord, error) {
	var out []NonceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).ForEach(func(_, value []byte) error {
			var rec storedNonce
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			if rec.ObservedAt.Before(cutoff) {
				return nil
			}
			out = append(out, NonceRecord{
				Address:    rec.Address,
				Timestamp:  rec.Timestamp,
				Nonce:      rec.Nonce,
				ObservedAt: rec.ObservedAt,
			})
			return nil
		})
	})
	return out, err
}

// PruneNonces deletes the nonces observed before cutoff.
func (s *BoltNonceStore) PruneNonces(_ context.Context, cutoff time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		var stale [][]byte
		if err := bucket.ForEach(func(key, value []byte) error {
			var rec storedNonce
			if err := json.Unmarshal(value, &rec); err != nil || rec.ObservedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), key...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ NoncePersistence = (*BoltNonceStore)(nil)
