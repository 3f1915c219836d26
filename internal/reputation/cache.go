package reputation

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/storage"
)

// Cache stores results by digest. Add keeps the first result stored for a
// digest and returns whichever result is now cached.
type Cache interface {
	Get(digest string) (Result, bool)
	Add(digest string, r Result) Result
}

type MemoryCache struct {
	mu      sync.RWMutex
	results map[string]Result
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{results: make(map[string]Result)}
}

func (m *MemoryCache) Get(digest string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[digest]
	return r, ok
}

func (m *MemoryCache) Add(digest string, r Result) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.results[digest]; ok {
		return existing
	}
	m.results[digest] = r
	return r
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

const reputationBucket = "reputation"

// StoreCache layers a persistent store under the in-process cache so
// results survive restarts. Unknown results are only kept in memory.
type StoreCache struct {
	mem    *MemoryCache
	store  storage.Store
	ttl    time.Duration
	logger *logging.Logger
}

func NewStoreCache(store storage.Store, ttl time.Duration, logger *logging.Logger) *StoreCache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StoreCache{mem: NewMemoryCache(), store: store, ttl: ttl, logger: logger}
}

func (s *StoreCache) Get(digest string) (Result, bool) {
	if r, ok := s.mem.Get(digest); ok {
		return r, true
	}
	raw, err := s.store.Get(reputationBucket, digest)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("reputation cache read failed", logging.Field{Key: "digest", Value: digest}, logging.Err(err))
		}
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		s.logger.Warn("reputation cache entry corrupt", logging.Field{Key: "digest", Value: digest}, logging.Err(err))
		return Result{}, false
	}
	return s.mem.Add(digest, r), true
}

func (s *StoreCache) Add(digest string, r Result) Result {
	stored := s.mem.Add(digest, r)
	if stored.Unknown || stored != r {
		return stored
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return stored
	}
	if err := s.store.PutTTL(reputationBucket, digest, raw, s.ttl); err != nil {
		s.logger.Warn("reputation cache write failed", logging.Field{Key: "digest", Value: digest}, logging.Err(err))
	}
	return stored
}
