package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStates     = []byte("states")
	bucketStats      = []byte("stats")
	keyTransmissions = []byte("transmissions")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStates, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveState(st *DeviceState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(st.Name), data)
	})
}

func (s *BoltStore) GetState(name string) (*DeviceState, error) {
	var st DeviceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("state %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) UpdateState(name string, fn func(st *DeviceState) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		st := DeviceState{Name: name}
		if data := b.Get([]byte(name)); data != nil {
			if err := json.Unmarshal(data, &st); err != nil {
				return err
			}
		}
		if err := fn(&st); err != nil {
			return err
		}
		st.Name = name
		data, err := json.Marshal(&st)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func (s *BoltStore) DeleteState(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) ListStates() ([]*DeviceState, error) {
	var states []*DeviceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return nil // no bucket = no states
		}
		states = make([]*DeviceState, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st DeviceState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			states = append(states, &st)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) IncrTransmissions() (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStats)
		}
		if data := b.Get(keyTransmissions); len(data) == 8 {
			n = binary.BigEndian.Uint64(data)
		}
		n++
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		return b.Put(keyTransmissions, buf[:])
	})
	return n, err
}

func (s *BoltStore) Transmissions() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStats)
		}
		if data := b.Get(keyTransmissions); len(data) == 8 {
			n = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
