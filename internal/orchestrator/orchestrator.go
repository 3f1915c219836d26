package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipsix/knockscan/internal/identity"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/reputation"
	"github.com/ipsix/knockscan/internal/scanner"
	"github.com/ipsix/knockscan/internal/whitelist"
)

var ErrScanInProgress = errors.New("scan already in progress")

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

type Phase string

const (
	PhaseNone        Phase = ""
	PhaseEnumerating Phase = "enumerating"
	PhaseIdentifying Phase = "identifying"
	PhaseFiltering   Phase = "filtering"
	PhaseEnriching   Phase = "enriching"
	PhaseAssembling  Phase = "assembling"
)

// Reputation is the part of the reputation client a scan uses.
type Reputation interface {
	Lookup(ctx context.Context, queries []reputation.Query) (map[string]reputation.Result, error)
	Submit(path, digest string)
}

// Tracker marks items not seen by earlier scans.
type Tracker interface {
	Mark(items []scanner.Item) error
}

// Hook runs after a scan completes. Hook errors are logged and never change
// the outcome of the scan.
type Hook func(ctx context.Context, r *report.ScanReport) error

type Config struct {
	Workers           int
	FilterKnownItems  bool
	FilterAppleSigned bool
	SubmitUnknown     bool
	Timeout           time.Duration
}

// Deps are the collaborators of a scan. Reputation and Baseline are
// optional; leave them nil to disable enrichment or change detection.
type Deps struct {
	Registry   *scanner.Registry
	Whitelist  *whitelist.Store
	Verifier   identity.Verifier
	Reputation Reputation
	Baseline   Tracker
	Logger     *logging.Logger
}

type Options struct {
	// FilterKnownItems overrides the orchestrator setting for one run.
	FilterKnownItems *bool
}

type Status struct {
	State            State     `json:"state"`
	Phase            Phase     `json:"phase,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	FilterKnownItems bool      `json:"filter_known_items"`
	LastReportID     string    `json:"last_report_id,omitempty"`
}

type run struct {
	id        string
	started   time.Time
	filter    bool
	whitelist *whitelist.Store
	cancel    context.CancelFunc
	done      chan struct{}
	report    *report.ScanReport
	err       error
}

// Orchestrator drives one scan at a time through enumeration,
// identification, filtering, enrichment and assembly.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	logger   *logging.Logger
	hostInfo func(ctx context.Context) report.Host
	now      func() time.Time

	mu        sync.Mutex
	state     State
	phase     Phase
	filter    bool
	whitelist *whitelist.Store
	current   *report.ScanReport
	active    *run
	finished  time.Time
	hooks     []namedHook
}

type namedHook struct {
	name string
	fn   Hook
}

func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Verifier == nil {
		deps.Verifier = identity.NopVerifier{}
	}
	if deps.Whitelist == nil {
		deps.Whitelist = whitelist.Empty()
	}
	if deps.Registry == nil {
		deps.Registry = scanner.NewRegistry()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers()
	}
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		logger:    deps.Logger,
		hostInfo:  report.CollectHost,
		now:       time.Now,
		state:     StateIdle,
		filter:    cfg.FilterKnownItems,
		whitelist: deps.Whitelist,
	}
}

func defaultWorkers() int {
	n := 4 * runtime.NumCPU()
	if n > 32 {
		n = 32
	}
	return n
}

// OnComplete registers a hook run after every completed scan, in
// registration order.
func (o *Orchestrator) OnComplete(name string, fn Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, namedHook{name: name, fn: fn})
}

// StartScan begins a scan in the background and returns its run id. The
// run is not bound to ctx's cancellation; use StopScan.
func (o *Orchestrator) StartScan(ctx context.Context, opts Options) (string, error) {
	r, err := o.start(context.WithoutCancel(ctx), opts)
	if err != nil {
		return "", err
	}
	return r.id, nil
}

// Run scans synchronously. Cancelling ctx stops the scan.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*report.ScanReport, error) {
	r, err := o.start(ctx, opts)
	if err != nil {
		return nil, err
	}
	<-r.done
	return r.report, r.err
}

func (o *Orchestrator) start(parent context.Context, opts Options) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return nil, ErrScanInProgress
	}

	filter := o.filter
	if opts.FilterKnownItems != nil {
		filter = *opts.FilterKnownItems
	}
	ctx, cancel := context.WithCancel(parent)
	if o.cfg.Timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, o.cfg.Timeout)
	}

	r := &run{
		id:        uuid.NewString(),
		started:   o.now(),
		filter:    filter,
		whitelist: o.whitelist,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.active = r
	o.state = StateRunning
	o.phase = PhaseEnumerating
	go o.execute(ctx, r)
	return r, nil
}

func withTimeout(ctx context.Context, cancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// StopScan cancels the running scan. It reports whether a scan was running.
func (o *Orchestrator) StopScan() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning || o.active == nil {
		return false
	}
	o.active.cancel()
	return true
}

// Wait blocks until the latest run finishes, including its hooks.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.active
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentReport is the last completed report, or nil. A running or
// cancelled scan never replaces it.
func (o *Orchestrator) CurrentReport() *report.ScanReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SetFilterOption changes filtering for scans started afterwards.
func (o *Orchestrator) SetFilterOption(enabled bool) {
	o.mu.Lock()
	o.filter = enabled
	o.mu.Unlock()
}

// SetWhitelist swaps the whitelist used by later scans. It is rejected
// while a scan is running.
func (o *Orchestrator) SetWhitelist(store *whitelist.Store) error {
	if store == nil {
		return errors.New("whitelist is nil")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return ErrScanInProgress
	}
	o.whitelist = store
	return nil
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		State:            o.state,
		Phase:            o.phase,
		FilterKnownItems: o.filter,
		FinishedAt:       o.finished,
	}
	if o.active != nil {
		s.RunID = o.active.id
		s.StartedAt = o.active.started
		if o.active.err != nil && o.state != StateRunning {
			s.LastError = o.active.err.Error()
		}
	}
	if o.current != nil {
		s.LastReportID = o.current.ID
	}
	return s
}

func (o *Orchestrator) setPhase(r *run, p Phase) {
	o.mu.Lock()
	if o.active == r {
		o.phase = p
	}
	o.mu.Unlock()
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer r.cancel()
	logger := o.logger.With(logging.Field{Key: "run_id", Value: r.id})
	logger.Info("scan started", logging.Field{Key: "filter_known_items", Value: r.filter})

	rep, err := o.scan(ctx, r, logger)

	o.mu.Lock()
	r.report, r.err = rep, err
	o.phase = PhaseNone
	o.finished = o.now()
	switch {
	case err == nil:
		o.state = StateCompleted
		o.current = rep
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		o.state = StateCancelled
	default:
		o.state = StateFailed
	}
	state := o.state
	hooks := append([]namedHook(nil), o.hooks...)
	o.mu.Unlock()

	switch state {
	case StateCompleted:
		logger.Info("scan completed",
			logging.Field{Key: "items", Value: rep.GrandTotal},
			logging.Field{Key: "flagged", Value: rep.Flagged},
			logging.Field{Key: "diagnostics", Value: len(rep.Diagnostics)},
		)
		o.runHooks(logger, hooks, rep)
	case StateCancelled:
		logger.Warn("scan cancelled", logging.Err(err))
	default:
		logger.Error("scan failed", logging.Err(err))
	}
	close(r.done)
}

func (o *Orchestrator) runHooks(logger *logging.Logger, hooks []namedHook, rep *report.ScanReport) {
	for _, h := range hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("completion hook panic",
						logging.Field{Key: "hook", Value: h.name},
						logging.Field{Key: "panic", Value: rec},
					)
				}
			}()
			if err := h.fn(context.Background(), rep); err != nil {
				logger.Warn("completion hook failed",
					logging.Field{Key: "hook", Value: h.name},
					logging.Err(err),
				)
			}
		}()
	}
}
