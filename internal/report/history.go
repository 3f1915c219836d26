package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ipsix/knockscan/internal/storage"
)

const reportsBucket = "reports"

// HistoryStore keeps completed reports keyed by generation time.
type HistoryStore struct {
	store storage.Store
}

func NewHistoryStore(store storage.Store) *HistoryStore {
	return &HistoryStore{store: store}
}

func (h *HistoryStore) Save(r *ScanReport) error {
	if r == nil {
		return fmt.Errorf("report is nil")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return h.store.Put(reportsBucket, historyKey(r), raw)
}

// List returns stored reports, oldest first.
func (h *HistoryStore) List() ([]*ScanReport, error) {
	reports := []*ScanReport{}
	err := h.store.ForEach(reportsBucket, func(_, value []byte) error {
		var r ScanReport
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
		reports = append(reports, &r)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []*ScanReport{}, nil
		}
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].GeneratedAt.Before(reports[j].GeneratedAt)
	})
	return reports, nil
}

// Latest returns the most recent stored report, or nil when none exist.
func (h *HistoryStore) Latest() (*ScanReport, error) {
	reports, err := h.List()
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return reports[len(reports)-1], nil
}

func (h *HistoryStore) PruneOlderThan(cutoff time.Time) error {
	var stale []string
	err := h.store.ForEach(reportsBucket, func(key, value []byte) error {
		var r ScanReport
		if err := json.Unmarshal(value, &r); err != nil {
			return nil
		}
		if !r.GeneratedAt.IsZero() && r.GeneratedAt.Before(cutoff) {
			stale = append(stale, string(key))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if err := h.store.Delete(reportsBucket, key); err != nil {
			return err
		}
	}
	return nil
}

func historyKey(r *ScanReport) string {
	return fmt.Sprintf("%020d-%s", r.GeneratedAt.UnixNano(), r.ID)
}
