package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipsix/knockscan/internal/api"
	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/orchestrator"
	"github.com/ipsix/knockscan/internal/scheduler"
)

const scanJob = "scan"

type Runner struct {
	cfg        config.Config
	logger     *logging.Logger
	configPath string

	app   *App
	sched *scheduler.Scheduler
	api   *api.Server
}

func New(cfg config.Config, logger *logging.Logger, configPath string) *Runner {
	return &Runner{
		cfg:        cfg,
		logger:     logger,
		configPath: configPath,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Security.SelfIntegrity {
		if err := VerifySelfIntegrity(ctx, r.cfg.Security.ExpectedSHA256); err != nil {
			return err
		}
	}

	app, err := Build(r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.app = app

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.sched = scheduler.New(r.logger.With(logging.Field{Key: "component", Value: "scheduler"}))
	if r.cfg.Schedule.Enabled {
		err := r.sched.AddJob(scheduler.JobConfig{
			Name:         scanJob,
			Schedule:     r.cfg.Schedule.Cron,
			AllowOverlap: r.cfg.Schedule.AllowOverlap,
			RunOnStart:   r.cfg.Schedule.RunOnStart,
		}, r.scheduledScan)
		if err != nil {
			_ = app.Close()
			return fmt.Errorf("schedule scan: %w", err)
		}
	}

	r.api = api.New(r.cfg.API, r.logger.With(logging.Field{Key: "component", Value: "api"}),
		app.Orchestrator, r.sched, app.Reports, app.History, app.Baseline, app.Metrics.Handler())

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	r.logger.Info("daemon started",
		logging.Field{Key: "schedule", Value: r.cfg.Schedule.Cron},
		logging.Field{Key: "schedule_enabled", Value: r.cfg.Schedule.Enabled},
		logging.Field{Key: "api_enabled", Value: r.cfg.API.Enabled},
	)

	go r.handleSignals(sigCh, cancel, r.reloadWhitelist)
	r.sched.Start(ctx)
	go func() {
		if err := r.api.Start(ctx); err != nil {
			r.logger.Error("api server failed", logging.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()

	return r.shutdown(r.cfg.Daemon.ShutdownTimeoutDuration())
}

// scheduledScan is the scheduler task. A scan already started over the API
// is not an error for the schedule.
func (r *Runner) scheduledScan(ctx context.Context) error {
	_, err := r.app.Orchestrator.Run(ctx, orchestrator.Options{})
	if errors.Is(err, orchestrator.ErrScanInProgress) {
		r.logger.Info("scheduled scan skipped, scan already running")
		return nil
	}
	return err
}

func (r *Runner) handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, reload func()) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("whitelist reload requested")
			if reload != nil {
				reload()
			}
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
		}
	}
}

// reloadWhitelist re-reads the whitelist. The orchestrator rejects the swap
// while a scan is running; the old list stays active in that case.
func (r *Runner) reloadWhitelist() {
	cfg := r.cfg
	if r.configPath != "" {
		if loaded, err := config.LoadOrDefault(r.configPath); err == nil {
			cfg = loaded
		} else {
			r.logger.Warn("config reload failed, keeping current whitelist path", logging.Err(err))
		}
	}
	wl, err := LoadWhitelist(cfg.Whitelist, r.logger)
	if err != nil {
		r.logger.Error("whitelist reload failed", logging.Err(err))
		return
	}
	if err := r.app.Orchestrator.SetWhitelist(wl); err != nil {
		r.logger.Warn("whitelist not swapped", logging.Err(err))
		return
	}
	r.logger.Info("whitelist reloaded", logging.Field{Key: "path", Value: cfg.Whitelist.Path})
}

func (r *Runner) shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r.logger.Info("shutdown starting", logging.Field{Key: "timeout", Value: timeout.String()})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if r.api != nil {
		if err := r.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	if r.app != nil {
		r.app.Orchestrator.StopScan()
		if err := r.app.Orchestrator.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for scan: %w", err))
		}
	}
	if r.sched != nil {
		r.sched.Stop()
	}
	if r.app != nil {
		if err := r.app.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	r.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
