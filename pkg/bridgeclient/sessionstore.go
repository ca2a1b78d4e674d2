package bridgeclient

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SessionStore persists the last session id per bridge endpoint so a
// restarted tool can resume its session instead of starting cold.
type SessionStore interface {
	Load(endpoint string) (string, error)
	Save(endpoint, sessionID string) error
	Clear(endpoint string) error
}

// MemorySessionStore keeps session ids in memory, for tests and one-shot
// tools.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]string)}
}

func (s *MemorySessionStore) Load(endpoint string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[endpoint], nil
}

func (s *MemorySessionStore) Save(endpoint, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[endpoint] = sessionID
	return nil
}

func (s *MemorySessionStore) Clear(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, endpoint)
	return nil
}

var sessionsBucket = []byte("sessions")

// BoltSessionStore persists session ids in a bbolt file, surviving process
// restarts.
type BoltSessionStore struct {
	db *bolt.DB
}

// OpenBoltSessionStore opens (or creates) the store at path.
func OpenBoltSessionStore(path string) (*BoltSessionStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return &BoltSessionStore{db: db}, nil
}

func (s *BoltSessionStore) Load(endpoint string) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get([]byte(endpoint)); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("load session id: %w", err)
	}
	return id, nil
}

func (s *BoltSessionStore) Save(endpoint, sessionID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(endpoint), []byte(sessionID))
	})
	if err != nil {
		return fmt.Errorf("save session id: %w", err)
	}
	return nil
}

func (s *BoltSessionStore) Clear(endpoint string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(endpoint))
	})
	if err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	return nil
}

// Close releases the underlying database file.
func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}
