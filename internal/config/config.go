package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "configs/config.json"
	DefaultOutputPath = "kkFindings.txt"

	DefaultQueryURL  = "https://www.virustotal.com/partners/sysinternals/file-reports"
	DefaultRescanURL = "https://www.virustotal.com/vtapi/v2/file/rescan"
	DefaultSubmitURL = "https://www.virustotal.com/vtapi/v2/file/scan"
)

type Config struct {
	Daemon     DaemonConfig              `json:"daemon" yaml:"daemon"`
	Scan       ScanConfig                `json:"scan" yaml:"scan"`
	Reputation ReputationConfig          `json:"reputation" yaml:"reputation"`
	Whitelist  WhitelistConfig           `json:"whitelist" yaml:"whitelist"`
	Storage    StorageConfig             `json:"storage" yaml:"storage"`
	Schedule   ScheduleConfig            `json:"schedule" yaml:"schedule"`
	API        APIConfig                 `json:"api" yaml:"api"`
	Detection  DetectionConfig           `json:"detection" yaml:"detection"`
	Alerting   AlertingConfig            `json:"alerting" yaml:"alerting"`
	Security   SecurityConfig            `json:"security" yaml:"security"`
	Categories map[string]CategoryConfig `json:"categories" yaml:"categories"`
}

type DaemonConfig struct {
	LogLevel        string `json:"log_level" yaml:"log_level"`
	LogFormat       string `json:"log_format" yaml:"log_format"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ScanConfig struct {
	FilterKnownItems  bool   `json:"filter_known_items" yaml:"filter_known_items"`
	FilterAppleSigned bool   `json:"filter_apple_signed" yaml:"filter_apple_signed"`
	Workers           int    `json:"workers" yaml:"workers"`
	OutputPath        string `json:"output_path" yaml:"output_path"`
	Timeout           string `json:"timeout" yaml:"timeout"`
	SubmitUnknown     bool   `json:"submit_unknown" yaml:"submit_unknown"`
}

type ReputationConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	APIKey            string `json:"api_key" yaml:"api_key"`
	QueryURL          string `json:"query_url" yaml:"query_url"`
	RescanURL         string `json:"rescan_url" yaml:"rescan_url"`
	SubmitURL         string `json:"submit_url" yaml:"submit_url"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
	Timeout           string `json:"timeout" yaml:"timeout"`
	MaxRetries        int    `json:"max_retries" yaml:"max_retries"`
	RetryBackoff      string `json:"retry_backoff" yaml:"retry_backoff"`
	RetryMax          string `json:"retry_max" yaml:"retry_max"`
	Concurrency       int    `json:"concurrency" yaml:"concurrency"`
	CacheTTL          string `json:"cache_ttl" yaml:"cache_ttl"`
}

type WhitelistConfig struct {
	Path string `json:"path" yaml:"path"`
}

type StorageConfig struct {
	DBPath              string `json:"db_path" yaml:"db_path"`
	RetentionDays       int    `json:"retention_days" yaml:"retention_days"`
	EncryptionKeyBase64 string `json:"encryption_key_base64" yaml:"encryption_key_base64"`
}

type ScheduleConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Cron         string `json:"cron" yaml:"cron"`
	RunOnStart   bool   `json:"run_on_start" yaml:"run_on_start"`
	AllowOverlap bool   `json:"allow_overlap" yaml:"allow_overlap"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BindAddr  string `json:"bind_addr" yaml:"bind_addr"`
	ReadOnly  bool   `json:"read_only" yaml:"read_only"`
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

type DetectionConfig struct {
	Baseline bool `json:"baseline" yaml:"baseline"`
}

type AlertingConfig struct {
	Enabled      bool                 `json:"enabled" yaml:"enabled"`
	MinPositives int                  `json:"min_positives" yaml:"min_positives"`
	AlertOnNew   bool                 `json:"alert_on_new" yaml:"alert_on_new"`
	DedupWindow  string               `json:"dedup_window" yaml:"dedup_window"`
	RetryMax     int                  `json:"retry_max" yaml:"retry_max"`
	RetryBackoff string               `json:"retry_backoff" yaml:"retry_backoff"`
	Channels     []AlertChannelConfig `json:"channels" yaml:"channels"`
}

type AlertChannelConfig struct {
	Type     string   `json:"type" yaml:"type"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Severity []string `json:"severity" yaml:"severity"`

	URL string `json:"url" yaml:"url"`

	SyslogNetwork string `json:"syslog_network" yaml:"syslog_network"`
	SyslogAddress string `json:"syslog_address" yaml:"syslog_address"`
	SyslogTag     string `json:"syslog_tag" yaml:"syslog_tag"`

	SMTPServer string   `json:"smtp_server" yaml:"smtp_server"`
	SMTPUser   string   `json:"smtp_user" yaml:"smtp_user"`
	SMTPPass   string   `json:"smtp_pass" yaml:"smtp_pass"`
	From       string   `json:"from" yaml:"from"`
	To         []string `json:"to" yaml:"to"`
	Subject    string   `json:"subject" yaml:"subject"`
}

type SecurityConfig struct {
	SelfIntegrity  bool   `json:"self_integrity" yaml:"self_integrity"`
	ExpectedSHA256 string `json:"expected_sha256" yaml:"expected_sha256"`
}

// CategoryConfig toggles one built-in category and passes plugin options
// such as root path overrides.
type CategoryConfig struct {
	Enabled *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

func (c CategoryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: "10s",
		},
		Scan: ScanConfig{
			FilterKnownItems:  false,
			FilterAppleSigned: true,
			Workers:           0,
			OutputPath:        DefaultOutputPath,
			Timeout:           "30m",
		},
		Reputation: ReputationConfig{
			Enabled:           false,
			QueryURL:          DefaultQueryURL,
			RescanURL:         DefaultRescanURL,
			SubmitURL:         DefaultSubmitURL,
			RequestsPerMinute: 4,
			Timeout:           "30s",
			MaxRetries:        3,
			RetryBackoff:      "2s",
			RetryMax:          "1m",
			Concurrency:       2,
			CacheTTL:          "24h",
		},
		Storage: StorageConfig{
			DBPath:        "",
			RetentionDays: 30,
		},
		Schedule: ScheduleConfig{
			Enabled:    false,
			Cron:       "@daily",
			RunOnStart: true,
		},
		API: APIConfig{
			Enabled:  false,
			BindAddr: "127.0.0.1:8788",
			ReadOnly: true,
		},
		Detection: DetectionConfig{
			Baseline: true,
		},
		Alerting: AlertingConfig{
			Enabled:      false,
			MinPositives: 1,
			AlertOnNew:   true,
			DedupWindow:  "24h",
			RetryMax:     3,
			RetryBackoff: "2s",
			Channels: []AlertChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
		Categories: map[string]CategoryConfig{},
	}
}

// Load reads a JSON config, or YAML when the file ends in .yaml or .yml,
// over the defaults and applies KNOCKSCAN_* environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &cfg)
	default:
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults plus
// environment overrides when no file exists at path.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		applyEnvOverrides(&cfg)
		return cfg, cfg.Validate()
	}
	return Load(path)
}

func (c Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Daemon.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "daemon.log_level must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(c.Daemon.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "daemon.log_format must be one of: json, text")
	}

	errs = checkDuration(errs, "daemon.shutdown_timeout", c.Daemon.ShutdownTimeout)

	if c.Scan.Workers < 0 {
		errs = append(errs, "scan.workers must be >= 0")
	}
	if strings.TrimSpace(c.Scan.OutputPath) == "" {
		errs = append(errs, "scan.output_path is required")
	}
	errs = checkDuration(errs, "scan.timeout", c.Scan.Timeout)

	if c.Reputation.Enabled {
		if c.Reputation.APIKey == "" {
			errs = append(errs, "reputation.api_key is required when enabled")
		}
		for name, raw := range map[string]string{
			"reputation.query_url":  c.Reputation.QueryURL,
			"reputation.rescan_url": c.Reputation.RescanURL,
			"reputation.submit_url": c.Reputation.SubmitURL,
		} {
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("%s must be an absolute URL", name))
			}
		}
	}
	if c.Reputation.RequestsPerMinute < 0 {
		errs = append(errs, "reputation.requests_per_minute must be >= 0")
	}
	if c.Reputation.MaxRetries < 0 {
		errs = append(errs, "reputation.max_retries must be >= 0")
	}
	if c.Reputation.Concurrency < 0 {
		errs = append(errs, "reputation.concurrency must be >= 0")
	}
	errs = checkDuration(errs, "reputation.timeout", c.Reputation.Timeout)
	errs = checkDuration(errs, "reputation.retry_backoff", c.Reputation.RetryBackoff)
	errs = checkDuration(errs, "reputation.retry_max", c.Reputation.RetryMax)
	errs = checkDuration(errs, "reputation.cache_ttl", c.Reputation.CacheTTL)

	if c.Storage.DBPath != "" && !filepath.IsAbs(c.Storage.DBPath) {
		errs = append(errs, "storage.db_path must be an absolute path if set")
	}
	if c.Storage.RetentionDays < 0 {
		errs = append(errs, "storage.retention_days must be >= 0")
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, "storage.encryption_key_base64 must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.Schedule.Enabled {
		if c.Schedule.Cron == "" {
			errs = append(errs, "schedule.cron is required when enabled")
		} else if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedule.cron is invalid: %v", err))
		}
	}

	if c.API.Enabled {
		if c.API.BindAddr == "" {
			errs = append(errs, "api.bind_addr is required when enabled")
		}
		if c.API.AuthToken == "" {
			errs = append(errs, "api.auth_token is required when enabled")
		}
	}

	errs = checkDuration(errs, "alerting.dedup_window", c.Alerting.DedupWindow)
	errs = checkDuration(errs, "alerting.retry_backoff", c.Alerting.RetryBackoff)
	if c.Alerting.RetryMax < 0 {
		errs = append(errs, "alerting.retry_max must be >= 0")
	}
	if c.Alerting.MinPositives < 0 {
		errs = append(errs, "alerting.min_positives must be >= 0")
	}
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "log", "webhook", "syslog", "email":
		case "":
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type must be one of: log, webhook, syslog, email", i))
		}
		if ch.Enabled && ch.Type == "webhook" && ch.URL == "" {
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].url is required for webhook", i))
		}
		if ch.Enabled && ch.Type == "email" && (ch.SMTPServer == "" || ch.From == "" || len(ch.To) == 0) {
			errs = append(errs, fmt.Sprintf("alerting.channels[%d] requires smtp_server, from and to for email", i))
		}
	}

	if c.Security.SelfIntegrity && c.Security.ExpectedSHA256 == "" {
		errs = append(errs, "security.expected_sha256 is required when self_integrity is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func checkDuration(errs []string, name, value string) []string {
	if value == "" {
		return errs
	}
	if _, err := time.ParseDuration(value); err != nil {
		return append(errs, fmt.Sprintf("%s must be a valid duration (e.g. 10s)", name))
	}
	return errs
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (d DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(d.ShutdownTimeout, 10*time.Second)
}

func (s ScanConfig) TimeoutDuration() time.Duration {
	return parseDuration(s.Timeout, 0)
}

func (r ReputationConfig) TimeoutDuration() time.Duration {
	return parseDuration(r.Timeout, 30*time.Second)
}

func (r ReputationConfig) RetryBackoffDuration() time.Duration {
	return parseDuration(r.RetryBackoff, 0)
}

func (r ReputationConfig) RetryMaxDuration() time.Duration {
	return parseDuration(r.RetryMax, 0)
}

func (r ReputationConfig) CacheTTLDuration() time.Duration {
	return parseDuration(r.CacheTTL, 0)
}

func (a AlertingConfig) DedupWindowDuration() time.Duration {
	return parseDuration(a.DedupWindow, 0)
}

func (a AlertingConfig) RetryBackoffDuration() time.Duration {
	return parseDuration(a.RetryBackoff, 0)
}

func (c Config) Redacted() Config {
	clone := c
	if clone.API.AuthToken != "" {
		clone.API.AuthToken = "REDACTED"
	}
	if clone.Reputation.APIKey != "" {
		clone.Reputation.APIKey = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	if len(clone.Alerting.Channels) > 0 {
		channels := make([]AlertChannelConfig, len(clone.Alerting.Channels))
		copy(channels, clone.Alerting.Channels)
		for i := range channels {
			if channels[i].URL != "" {
				channels[i].URL = "REDACTED"
			}
			if channels[i].SMTPPass != "" {
				channels[i].SMTPPass = "REDACTED"
			}
		}
		clone.Alerting.Channels = channels
	}
	return clone
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("KNOCKSCAN_API_KEY"); ok && v != "" {
		cfg.Reputation.APIKey = v
	}
	if v, ok := os.LookupEnv("KNOCKSCAN_REPUTATION_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Reputation.Enabled = parsed
		}
	}
	if v, ok := os.LookupEnv("KNOCKSCAN_FILTER_KNOWN"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Scan.FilterKnownItems = parsed
		}
	}
	if v, ok := os.LookupEnv("KNOCKSCAN_OUTPUT"); ok && v != "" {
		cfg.Scan.OutputPath = v
	}
	if v, ok := os.LookupEnv("KNOCKSCAN_API_ENABLED"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.API.Enabled = parsed
		}
	}
	if v, ok := os.LookupEnv("KNOCKSCAN_API_TOKEN"); ok && v != "" {
		cfg.API.AuthToken = v
	}
}
