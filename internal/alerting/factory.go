package alerting

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/logging"
)

// Build returns an engine with every enabled channel registered. With no
// enabled channels, alerts go to the log.
func Build(cfg config.AlertingConfig, logger *logging.Logger) (*Engine, error) {
	channels, err := BuildChannels(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := New(logger, cfg)
	for _, ch := range channels {
		engine.Register(ch)
	}
	return engine, nil
}

func BuildChannels(cfg config.AlertingConfig, logger *logging.Logger) ([]Channel, error) {
	channels := []Channel{}
	for i, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger))
		case "webhook":
			if ch.URL == "" {
				return nil, fmt.Errorf("alerting.channels[%d]: webhook url required", i)
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Severity, httpClient))
		case "syslog":
			channels = append(channels, NewSyslogChannel(ch.SyslogNetwork, ch.SyslogAddress, ch.SyslogTag, ch.Severity))
		case "email":
			channels = append(channels, NewEmailChannel(EmailConfig{
				SMTPServer: ch.SMTPServer,
				SMTPUser:   ch.SMTPUser,
				SMTPPass:   ch.SMTPPass,
				From:       ch.From,
				To:         ch.To,
				Subject:    ch.Subject,
			}, ch.Severity))
		default:
			return nil, fmt.Errorf("unknown alert channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger))
	}
	return channels, nil
}

func severityAllowed(allow []string, sev Severity) bool {
	if len(allow) == 0 {
		return true
	}
	for _, v := range allow {
		if parseSeverity(v) == sev {
			return true
		}
	}
	return false
}

func parseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}
