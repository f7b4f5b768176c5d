package storage

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// BoltDB stores keys in a single bucket of a bbolt file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (and initialises) the bbolt file at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
