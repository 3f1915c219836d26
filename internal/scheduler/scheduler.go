package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ipsix/knockscan/internal/logging"
)

// Task is the work a job performs on each activation.
type Task func(ctx context.Context) error

type JobConfig struct {
	Name         string
	Schedule     string
	Timeout      time.Duration
	AllowOverlap bool
	RunOnStart   bool
}

type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	Runs     int64     `json:"runs"`
}

// Scheduler runs tasks on cron schedules. A job never overlaps itself
// unless configured to, and a panicking task does not stop the scheduler.
type Scheduler struct {
	logger  *logging.Logger
	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	started bool
}

func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
	}
}

func (s *Scheduler) AddJob(cfg JobConfig, task Task) error {
	if cfg.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if task == nil {
		return fmt.Errorf("job task is required")
	}
	spec, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job %q already exists", cfg.Name)
	}

	j := &job{cfg: cfg, spec: spec, task: task}
	id, err := s.cron.AddFunc(spec, func() { s.executeJob(s.context(), j) })
	if err != nil {
		return fmt.Errorf("job %q: %w", cfg.Name, err)
	}
	j.entry = id
	s.jobs[cfg.Name] = j
	return nil
}

// Start begins firing scheduled jobs and runs the run-on-start ones once.
// Jobs stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	var onStart []*job
	for _, j := range s.jobs {
		if j.cfg.RunOnStart {
			onStart = append(onStart, j)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	for _, j := range onStart {
		go s.executeJob(ctx, j)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.waitIdle()
}

// RunOnce triggers a job outside its schedule, subject to the same overlap
// rule. It blocks until the job returns.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.executeJob(ctx, j)
	return nil
}

func (s *Scheduler) ListJobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.cfg.Name,
			Schedule: j.spec,
			Running:  j.running.Load(),
			Runs:     j.runs.Load(),
			NextRun:  s.cron.Entry(j.entry).Next,
		}
		j.mu.Lock()
		st.LastRun = j.lastRun
		st.LastErr = j.lastErr
		j.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) waitIdle() {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	for _, j := range jobs {
		j.wg.Wait()
	}
}

func (s *Scheduler) executeJob(ctx context.Context, j *job) {
	if !j.cfg.AllowOverlap {
		if !j.running.CompareAndSwap(false, true) {
			s.logger.Warn("job skipped due to overlap", logging.Field{Key: "job", Value: j.cfg.Name})
			return
		}
		defer j.running.Store(false)
	}
	j.wg.Add(1)
	defer j.wg.Done()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
	}
	defer cancel()

	started := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("job panic recovered",
				logging.Field{Key: "job", Value: j.cfg.Name},
				logging.Field{Key: "panic", Value: r},
				logging.Field{Key: "stack", Value: string(debug.Stack())},
			)
		}
		j.record(started, err)
	}()

	err = j.task(runCtx)
	duration := time.Since(started).String()
	if err != nil {
		s.logger.Error("job failed",
			logging.Field{Key: "job", Value: j.cfg.Name},
			logging.Err(err),
			logging.Field{Key: "duration", Value: duration},
		)
		return
	}
	s.logger.Info("job completed",
		logging.Field{Key: "job", Value: j.cfg.Name},
		logging.Field{Key: "duration", Value: duration},
	)
}

type job struct {
	cfg     JobConfig
	spec    string
	task    Task
	entry   cron.EntryID
	running atomic.Bool
	runs    atomic.Int64
	wg      sync.WaitGroup

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

func (j *job) record(started time.Time, err error) {
	j.runs.Add(1)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
}

// parseSchedule accepts cron expressions, descriptors such as @daily, and
// bare durations, which run at that fixed interval.
func parseSchedule(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("schedule is required")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("schedule interval must be positive")
		}
		expr = "@every " + d.String()
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("unsupported schedule %q: %w", expr, err)
	}
	return expr, nil
}
