package report

import (
	"time"

	"github.com/ipsix/knockscan/internal/scanner"
)

type Host struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
}

type Section struct {
	CategoryID string         `json:"category_id"`
	Name       string         `json:"name"`
	Items      []scanner.Item `json:"items"`
	Total      int            `json:"total"`
}

type Diagnostic struct {
	Kind    string `json:"kind"`
	Plugin  string `json:"plugin,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ScanReport is the immutable result of one completed scan.
type ScanReport struct {
	ID          string       `json:"id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Duration    string       `json:"duration"`
	Host        Host         `json:"host"`
	Filtered    bool         `json:"filtered"`
	Sections    []Section    `json:"sections"`
	GrandTotal  int          `json:"grand_total"`
	Flagged     int          `json:"flagged"`
	New         int          `json:"new"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

type Meta struct {
	ID          string
	GeneratedAt time.Time
	Duration    time.Duration
	Host        Host
	Filtered    bool
	Diagnostics []Diagnostic
}

// Assemble builds the report from sections already in registry order.
// Totals are recomputed from the items so they cannot drift from them.
func Assemble(meta Meta, sections []Section) *ScanReport {
	r := &ScanReport{
		ID:          meta.ID,
		GeneratedAt: meta.GeneratedAt.UTC(),
		Duration:    meta.Duration.String(),
		Host:        meta.Host,
		Filtered:    meta.Filtered,
		Sections:    make([]Section, 0, len(sections)),
		Diagnostics: append([]Diagnostic(nil), meta.Diagnostics...),
	}
	for _, s := range sections {
		s.Items = append([]scanner.Item(nil), s.Items...)
		s.Total = len(s.Items)
		r.GrandTotal += s.Total
		for _, item := range s.Items {
			if item.Reputation != nil && item.Reputation.Flagged() {
				r.Flagged++
			}
			if item.New {
				r.New++
			}
		}
		r.Sections = append(r.Sections, s)
	}
	return r
}

// Items flattens the report in display order.
func (r *ScanReport) Items() []scanner.Item {
	if r == nil {
		return nil
	}
	out := make([]scanner.Item, 0, r.GrandTotal)
	for _, s := range r.Sections {
		out = append(out, s.Items...)
	}
	return out
}

func (r *ScanReport) Section(categoryID string) (Section, bool) {
	for _, s := range r.Sections {
		if s.CategoryID == categoryID {
			return s, true
		}
	}
	return Section{}, false
}
