package store

import (
	"bytes"
	"encoding/json"
	"time"

	v1alpha1 "github.com/klubi/repomanager/pkg/apis/v1alpha1"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("records")

// openTimeout bounds the wait for the file lock held by another
// repomanager process.
const openTimeout = 2 * time.Second

// BoltStore persists records in one bucket of a BoltDB file. Watches are
// process-local: only writes made through this handle are reported.
type BoltStore struct {
	hub

	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Create(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt.Get([]byte(key)) != nil {
			return ErrAlreadyExists
		}
		return bkt.Put([]byte(key), raw)
	}); err != nil {
		return err
	}

	b.publish(v1alpha1.EventAdded, key, value)
	return nil
}

func (b *BoltStore) Delete(key string) error {
	var old interface{}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		_ = json.Unmarshal(raw, &old)
		return bkt.Delete([]byte(key))
	}); err != nil {
		return err
	}

	b.publish(v1alpha1.EventDeleted, key, old)
	return nil
}

// List walks the cursor from prefix, so results come back in key order.
func (b *BoltStore) List(prefix string, factory func() interface{}) ([]interface{}, error) {
	var out []interface{}
	err := b.db.View(func(tx *bolt.Tx) error {
		pfx := []byte(prefix)
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			obj := factory()
			if err := json.Unmarshal(v, obj); err != nil {
				return err
			}
			out = append(out, obj)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) Watch(prefix string) (<-chan v1alpha1.WatchEvent, func()) {
	return b.watch(prefix)
}

// Close closes open watches, then the database file.
func (b *BoltStore) Close() error {
	b.closeAll()
	return b.db.Close()
}
