package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Database is the key-value contract used for local state. Implementations
// must be safe for concurrent use.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close() error
}

// Backend names a Database implementation.
type Backend string

const (
	BackendMemory  Backend = "memory"
	BackendLevelDB Backend = "leveldb"
	BackendBolt    Backend = "bolt"
)

// Open returns the database for backend. Persistent backends require a path.
func Open(backend Backend, path string) (Database, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case "", BackendMemory:
		return NewMemDB(), nil
	case BackendLevelDB:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("storage: leveldb path required")
		}
		return NewLevelDB(path)
	case BackendBolt:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("storage: bolt path required")
		}
		return NewBoltDB(path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// --- In-Memory DB (tests and ephemeral sessions) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error {
	return nil
}
