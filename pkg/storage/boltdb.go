package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

var (
	// Bucket names
	bucketSources = []byte("sources")
	bucketAcks    = []byte("spool_acks")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the connector state database under
// stateDir.
func NewBoltStore(stateDir string) (*BoltStore, error) {
	dbPath := filepath.Join(stateDir, "fieldbridge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSources, bucketAcks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutSource stores or replaces a registry source
func (s *BoltStore) PutSource(src *types.Source) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		data, err := json.Marshal(src)
		if err != nil {
			return err
		}
		return b.Put([]byte(src.Name), data)
	})
}

// GetSource retrieves a registry source by name
func (s *BoltStore) GetSource(name string) (*types.Source, error) {
	var src types.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("source not found: %s", name)
		}
		return json.Unmarshal(data, &src)
	})
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// ListSources returns all registry sources
func (s *BoltStore) ListSources() ([]*types.Source, error) {
	var sources []*types.Source
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		return b.ForEach(func(k, v []byte) error {
			var src types.Source
			if err := json.Unmarshal(v, &src); err != nil {
				return err
			}
			sources = append(sources, &src)
			return nil
		})
	})
	return sources, err
}

// DeleteSource removes a registry source
func (s *BoltStore) DeleteSource(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		return b.Delete([]byte(name))
	})
}

// ackKey builds the composite (source, segment) ledger key
func ackKey(source string, segment uint64) []byte {
	key := make([]byte, 0, len(source)+9)
	key = append(key, source...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, segment)
	return key
}

// SetSegmentAcked records the acknowledged-record count for a segment
func (s *BoltStore) SetSegmentAcked(source string, segment uint64, acked uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAcks)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], acked)
		return b.Put(ackKey(source, segment), v[:])
	})
}

// GetSegmentAcked returns the acknowledged-record count for a segment; zero
// when the segment has no mark.
func (s *BoltStore) GetSegmentAcked(source string, segment uint64) (uint64, error) {
	var acked uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAcks)
		v := b.Get(ackKey(source, segment))
		if len(v) == 8 {
			acked = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return acked, err
}

// DeleteSegmentMark drops the ledger entry after the segment file is removed
func (s *BoltStore) DeleteSegmentMark(source string, segment uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAcks)
		return b.Delete(ackKey(source, segment))
	})
}
