package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/scanner"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	ReportID  string    `json:"report_id"`
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SHA1      string    `json:"sha1,omitempty"`
	Detection string    `json:"detection,omitempty"`
	Permalink string    `json:"permalink,omitempty"`
	Reason    string    `json:"reason"`
}

type Channel interface {
	Name() string
	Send(alert Alert) error
}

type Engine struct {
	logger       *logging.Logger
	channels     []Channel
	throttle     time.Duration
	retryMax     int
	retryBackoff time.Duration
	minPositives int
	alertOnNew   bool
	mu           sync.Mutex
	lastSeen     map[string]time.Time
}

func New(logger *logging.Logger, cfg config.AlertingConfig) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	throttle := cfg.DedupWindowDuration()
	if throttle <= 0 {
		throttle = 5 * time.Minute
	}
	backoff := cfg.RetryBackoffDuration()
	if backoff <= 0 {
		backoff = time.Second
	}
	minPositives := cfg.MinPositives
	if minPositives <= 0 {
		minPositives = 1
	}
	return &Engine{
		logger:       logger,
		throttle:     throttle,
		retryMax:     cfg.RetryMax,
		retryBackoff: backoff,
		minPositives: minPositives,
		alertOnNew:   cfg.AlertOnNew,
		lastSeen:     make(map[string]time.Time),
	}
}

func (e *Engine) Register(channel Channel) {
	e.channels = append(e.channels, channel)
}

// Evaluate turns a report into alerts: items a reputation service flags,
// and items no earlier scan reported. Both together are critical.
func (e *Engine) Evaluate(r *report.ScanReport) []Alert {
	var out []Alert
	for _, item := range r.Items() {
		flagged := item.Reputation != nil && item.Reputation.Found && item.Reputation.Positives >= e.minPositives
		isNew := e.alertOnNew && item.New
		if !flagged && !isNew {
			continue
		}
		alert := Alert{
			Timestamp: r.GeneratedAt,
			ReportID:  r.ID,
			Category:  item.Category,
			Name:      item.Name,
			Path:      displayPath(item),
			SHA1:      item.Digests.SHA1,
		}
		switch {
		case flagged && isNew:
			alert.Severity = SeverityCritical
			alert.Reason = "new persistent item flagged by reputation service"
		case flagged:
			alert.Severity = SeverityHigh
			alert.Reason = "persistent item flagged by reputation service"
		default:
			alert.Severity = SeverityMedium
			alert.Reason = "new persistent item"
		}
		if item.Reputation != nil {
			alert.Detection = item.Reputation.Summary()
			alert.Permalink = item.Reputation.Permalink
		}
		out = append(out, alert)
	}
	return out
}

// Publish evaluates a completed report and delivers its alerts.
func (e *Engine) Publish(_ context.Context, r *report.ScanReport) error {
	for _, alert := range e.Evaluate(r) {
		e.Send(alert)
	}
	return nil
}

func (e *Engine) Send(alert Alert) {
	if alert.ID == "" {
		alert.ID = fingerprint(alert)
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	if e.isThrottled(alert.ID) {
		e.logger.Debug("alert throttled", logging.Field{Key: "alert_id", Value: alert.ID})
		return
	}

	for _, ch := range e.channels {
		if err := e.deliver(ch, alert); err != nil {
			e.logger.Error("alert delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Err(err),
			)
		}
	}
}

func (e *Engine) deliver(ch Channel, alert Alert) error {
	var err error
	backoff := e.retryBackoff
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = ch.Send(alert); err == nil {
			return nil
		}
	}
	return err
}

func (e *Engine) isThrottled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastSeen[id]
	if ok && time.Since(last) < e.throttle {
		return true
	}
	e.lastSeen[id] = time.Now()
	return false
}

func displayPath(item scanner.Item) string {
	switch item.Kind {
	case scanner.KindCommand:
		return item.Command
	case scanner.KindExtension:
		return item.Browser + ":" + item.ExtensionID
	default:
		return item.Path
	}
}

// fingerprint identifies an alert across scans so repeated reports of the
// same item are throttled.
func fingerprint(alert Alert) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", alert.Category, alert.Severity, alert.Path, alert.SHA1)
	return hex.EncodeToString(h.Sum(nil))
}
