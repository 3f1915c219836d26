package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ipsix/knockscan/internal/alerting"
	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/detection"
	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/metrics"
	"github.com/ipsix/knockscan/internal/orchestrator"
	"github.com/ipsix/knockscan/internal/plugins/persistence"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/reputation"
	"github.com/ipsix/knockscan/internal/state"
	"github.com/ipsix/knockscan/internal/storage"
	"github.com/ipsix/knockscan/internal/whitelist"
)

// App is the set of components shared by one-shot scans and the daemon.
type App struct {
	Config       config.Config
	Store        storage.Store
	Orchestrator *orchestrator.Orchestrator
	Reputation   *reputation.Client
	Baseline     *detection.Manager
	History      *report.HistoryStore
	Reports      *state.ReportCache
	Metrics      *metrics.Recorder
	Alerts       *alerting.Engine

	logger *logging.Logger
}

// Build wires storage, whitelist, registry, reputation and the orchestrator,
// and registers the completion hooks that persist and publish each report.
func Build(cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	app := &App{
		Config:  cfg,
		Reports: state.NewReportCache(50),
		Metrics: metrics.New(),
		logger:  logger,
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.History = report.NewHistoryStore(store)

	wl, err := LoadWhitelist(cfg.Whitelist, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := persistence.DefaultRegistry(cfg.Categories)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	deps := orchestrator.Deps{
		Registry:  registry,
		Whitelist: wl,
		Verifier:  identity.DefaultVerifier(identity.OSRunner{}),
		Logger:    logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
	}
	if cfg.Reputation.Enabled {
		app.Reputation = newReputationClient(cfg.Reputation, store, logger)
		deps.Reputation = app.Reputation
		rep := app.Reputation
		_ = app.Metrics.GaugeFunc("reputation_requests", "Reputation query requests sent, retries included.", func() float64 {
			return float64(rep.Requests())
		})
	}
	if cfg.Detection.Baseline {
		app.Baseline = detection.NewManager(store)
		deps.Baseline = app.Baseline
	}

	app.Orchestrator = orchestrator.New(deps, orchestrator.Config{
		Workers:           cfg.Scan.Workers,
		FilterKnownItems:  cfg.Scan.FilterKnownItems,
		FilterAppleSigned: cfg.Scan.FilterAppleSigned,
		SubmitUnknown:     cfg.Scan.SubmitUnknown,
		Timeout:           cfg.Scan.TimeoutDuration(),
	})

	if cfg.Alerting.Enabled {
		engine, err := alerting.Build(cfg.Alerting, logger.With(logging.Field{Key: "component", Value: "alerting"}))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build alerting: %w", err)
		}
		app.Alerts = engine
	}

	app.registerHooks()
	return app, nil
}

func openStore(cfg config.StorageConfig, logger *logging.Logger) (storage.Store, error) {
	if cfg.DBPath == "" {
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.Open(storage.Options{
		Path:                cfg.DBPath,
		EncryptionKeyBase64: cfg.EncryptionKeyBase64,
		Logger:              logger.With(logging.Field{Key: "component", Value: "storage"}),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}

// LoadWhitelist returns the override file when one is configured and the
// bundled list otherwise.
func LoadWhitelist(cfg config.WhitelistConfig, logger *logging.Logger) (*whitelist.Store, error) {
	if cfg.Path == "" {
		return whitelist.Bundled(logger), nil
	}
	return whitelist.LoadFile(cfg.Path, logger)
}

func newReputationClient(cfg config.ReputationConfig, store storage.Store, logger *logging.Logger) *reputation.Client {
	svc := reputation.NewVirusTotalService(reputation.ServiceConfig{
		APIKey:    cfg.APIKey,
		QueryURL:  cfg.QueryURL,
		RescanURL: cfg.RescanURL,
		SubmitURL: cfg.SubmitURL,
	}, &http.Client{Timeout: cfg.TimeoutDuration()})
	l := logger.With(logging.Field{Key: "component", Value: "reputation"})
	return reputation.NewClient(svc, reputation.NewStoreCache(store, cfg.CacheTTLDuration(), l), reputation.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Timeout:           cfg.TimeoutDuration(),
		MaxRetries:        cfg.MaxRetries,
		Backoff:           cfg.RetryBackoffDuration(),
		MaxBackoff:        cfg.RetryMaxDuration(),
		Concurrency:       cfg.Concurrency,
	}, l)
}

func (a *App) registerHooks() {
	a.Orchestrator.OnComplete("state", func(_ context.Context, r *report.ScanReport) error {
		a.Reports.Add(r)
		return nil
	})
	a.Orchestrator.OnComplete("metrics", a.Metrics.Observe)
	a.Orchestrator.OnComplete("history", func(_ context.Context, r *report.ScanReport) error {
		if err := a.History.Save(r); err != nil {
			return err
		}
		if days := a.Config.Storage.RetentionDays; days > 0 {
			return a.History.PruneOlderThan(time.Now().AddDate(0, 0, -days))
		}
		return nil
	})
	if path := a.Config.Scan.OutputPath; path != "" {
		a.Orchestrator.OnComplete("output", func(_ context.Context, r *report.ScanReport) error {
			return report.Save(path, report.Serialize(r))
		})
	}
	if a.Alerts != nil {
		a.Orchestrator.OnComplete("alerting", a.Alerts.Publish)
	}
}

// Close abandons pending reputation side requests and releases storage.
func (a *App) Close() error {
	if a.Reputation != nil {
		a.Reputation.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
