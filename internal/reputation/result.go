package reputation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxBatchSize is the service's per-request item limit.
const MaxBatchSize = 25

// Query asks for one digest. Path and Name describe where the binary is
// configured to launch from and are forwarded to the service. ModTime is
// the file's modification time as seen when it was hashed; zero if unknown.
type Query struct {
	Digest  string
	Path    string
	Name    string
	ModTime time.Time
}

type Result struct {
	Digest    string    `json:"hash"`
	Found     bool      `json:"found"`
	Positives int       `json:"positives"`
	Total     int       `json:"total"`
	Ratio     string    `json:"detection_ratio,omitempty"`
	Permalink string    `json:"permalink,omitempty"`
	Unknown   bool      `json:"unknown,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func unknownResult(digest string, at time.Time) Result {
	return Result{Digest: digest, Unknown: true, CheckedAt: at}
}

// Flagged reports whether any engine detected the file.
func (r Result) Flagged() bool {
	return r.Found && r.Positives > 0
}

func (r Result) Summary() string {
	switch {
	case r.Unknown:
		return "unknown"
	case !r.Found:
		return "not found"
	case r.Ratio != "":
		return r.Ratio
	default:
		return fmt.Sprintf("%d/%d", r.Positives, r.Total)
	}
}

// parseRatio reads the total engine count from a "positives/total" ratio.
func parseRatio(ratio string) int {
	_, total, ok := strings.Cut(ratio, "/")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(total))
	if err != nil {
		return 0
	}
	return n
}
