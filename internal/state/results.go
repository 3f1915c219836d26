package state

import (
	"sync"
	"time"

	"github.com/ipsix/knockscan/internal/report"
)

type ReportSummary struct {
	ID          string         `json:"id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Duration    string         `json:"duration"`
	Filtered    bool           `json:"filtered"`
	Total       int            `json:"total"`
	Flagged     int            `json:"flagged"`
	New         int            `json:"new"`
	Diagnostics int            `json:"diagnostics"`
	Categories  map[string]int `json:"categories,omitempty"`
}

// ReportCache holds the latest completed report and a bounded history of
// summaries for the control API.
type ReportCache struct {
	mu      sync.RWMutex
	latest  *report.ScanReport
	history []ReportSummary
	limit   int
}

func NewReportCache(limit int) *ReportCache {
	if limit <= 0 {
		limit = 50
	}
	return &ReportCache{limit: limit}
}

func (c *ReportCache) Add(r *report.ScanReport) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = r
	c.history = append(c.history, Summarize(r))
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
}

func (c *ReportCache) Latest() *report.ScanReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *ReportCache) History() []ReportSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ReportSummary{}, c.history...)
}

// FlaggedItem is one item a reputation service reported as malicious.
type FlaggedItem struct {
	ReportID  string    `json:"report_id"`
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SHA1      string    `json:"sha1"`
	Ratio     string    `json:"detection_ratio"`
	Permalink string    `json:"permalink,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

func (c *ReportCache) Flagged() []FlaggedItem {
	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()
	out := []FlaggedItem{}
	if latest == nil {
		return out
	}
	for _, item := range latest.Items() {
		if item.Reputation == nil || !item.Reputation.Flagged() {
			continue
		}
		out = append(out, FlaggedItem{
			ReportID:  latest.ID,
			Category:  item.Category,
			Name:      item.Name,
			Path:      item.Path,
			SHA1:      item.Digests.SHA1,
			Ratio:     item.Reputation.Summary(),
			Permalink: item.Reputation.Permalink,
			SeenAt:    latest.GeneratedAt,
		})
	}
	return out
}

func Summarize(r *report.ScanReport) ReportSummary {
	cats := make(map[string]int, len(r.Sections))
	for _, s := range r.Sections {
		cats[s.CategoryID] = s.Total
	}
	return ReportSummary{
		ID:          r.ID,
		GeneratedAt: r.GeneratedAt,
		Duration:    r.Duration,
		Filtered:    r.Filtered,
		Total:       r.GrandTotal,
		Flagged:     r.Flagged,
		New:         r.New,
		Diagnostics: len(r.Diagnostics),
		Categories:  cats,
	}
}
