package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipsix/knockscan/internal/scanner"
	"github.com/ipsix/knockscan/internal/storage"
)

const (
	baselineBucket = "baselines"
	initializedKey = "_initialized"
)

// Entry is one known persistent item, keyed by category and identity.
type Entry struct {
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Seen      int       `json:"seen"`
}

// Manager tracks which items earlier scans have already reported.
type Manager struct {
	store storage.Store
	now   func() time.Time
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Mark flags items that no earlier scan reported and records every item.
// The first scan only seeds the baseline, so nothing is new on it. Items
// are modified in place.
func (m *Manager) Mark(items []scanner.Item) error {
	seeded, err := m.initialized()
	if err != nil {
		return err
	}
	now := m.now().UTC()
	for i := range items {
		item := &items[i]
		key := item.Key()
		if key == "" {
			continue
		}
		entry, err := m.get(item.Category, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			entry = &Entry{
				Category:  item.Category,
				Key:       key,
				Name:      item.Name,
				Path:      item.Path,
				FirstSeen: now,
			}
			item.New = seeded
		case err != nil:
			return err
		}
		entry.LastSeen = now
		entry.Seen++
		if err := m.put(entry); err != nil {
			return err
		}
	}
	if !seeded {
		return m.store.Put(baselineBucket, initializedKey, []byte(now.Format(time.RFC3339)))
	}
	return nil
}

func (m *Manager) List() ([]Entry, error) {
	var out []Entry
	err := m.store.ForEach(baselineBucket, func(key, value []byte) error {
		if string(key) == initializedKey {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decode baseline: %w", err)
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []Entry{}, nil
		}
		return nil, err
	}
	return out, nil
}

// Reset forgets every known item; the next scan seeds a fresh baseline.
func (m *Manager) Reset() error {
	var keys []string
	err := m.store.ForEach(baselineBucket, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.Delete(baselineBucket, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) initialized() (bool, error) {
	_, err := m.store.Get(baselineBucket, initializedKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *Manager) get(category, key string) (*Entry, error) {
	raw, err := m.store.Get(baselineBucket, baselineKey(category, key))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &entry, nil
}

func (m *Manager) put(e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	return m.store.Put(baselineBucket, baselineKey(e.Category, e.Key), raw)
}

func baselineKey(category, key string) string {
	return category + "::" + key
}
