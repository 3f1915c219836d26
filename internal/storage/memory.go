package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a Store for runs without a database path configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Put(bucket, key string, value []byte) error {
	return m.PutTTL(bucket, key, value, 0)
}

func (m *MemoryStore) PutTTL(bucket, key string, value []byte, ttl time.Duration) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[string(makeKey(bucket, key))] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("bucket and key are required")
	}
	m.mu.RLock()
	e, ok := m.data[string(makeKey(bucket, key))]
	m.mu.RUnlock()
	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// ForEach visits keys in lexical order, matching badger iteration.
func (m *MemoryStore) ForEach(bucket string, fn func(key, value []byte) error) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	prefix := bucket + "/"
	m.mu.RLock()
	keys := make([]string, 0)
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) && !m.expired(e) {
			keys = append(keys, k)
		}
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.data[k].value
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(strings.TrimPrefix(k, prefix)), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delete(bucket, key string) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	m.mu.Lock()
	delete(m.data, string(makeKey(bucket, key)))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) expired(e memEntry) bool {
	return !e.expires.IsZero() && !m.now().Before(e.expires)
}
