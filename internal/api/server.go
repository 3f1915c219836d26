package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ipsix/knockscan/internal/config"
	"github.com/ipsix/knockscan/internal/detection"
	"github.com/ipsix/knockscan/internal/logging"
	"github.com/ipsix/knockscan/internal/orchestrator"
	"github.com/ipsix/knockscan/internal/report"
	"github.com/ipsix/knockscan/internal/scheduler"
	"github.com/ipsix/knockscan/internal/state"
)

// Controller is the part of the orchestrator the control surface drives.
type Controller interface {
	StartScan(ctx context.Context, opts orchestrator.Options) (string, error)
	StopScan() bool
	CurrentReport() *report.ScanReport
	SetFilterOption(enabled bool)
	Status() orchestrator.Status
}

type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	server   *http.Server
	orch     Controller
	sched    *scheduler.Scheduler
	reports  *state.ReportCache
	history  *report.HistoryStore
	baseline *detection.Manager
	metrics  http.Handler
	handler  http.Handler
}

// New wires the control API. sched, history, baseline and metrics may be nil.
func New(cfg config.APIConfig, logger *logging.Logger, orch Controller, sched *scheduler.Scheduler, reports *state.ReportCache, history *report.HistoryStore, baseline *detection.Manager, metrics http.Handler) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if reports == nil {
		reports = state.NewReportCache(0)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		orch:     orch,
		sched:    sched,
		reports:  reports,
		history:  history,
		baseline: baseline,
		metrics:  metrics,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.handler = s.buildHandler()
	s.server = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api server starting",
		logging.Field{Key: "addr", Value: s.cfg.BindAddr},
		logging.Field{Key: "read_only", Value: s.cfg.ReadOnly},
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Handler() http.Handler {
	if s.handler == nil {
		s.handler = s.buildHandler()
	}
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	register := func(path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, s.withAuth(handler))
		mux.HandleFunc("/api"+path, s.withAuth(handler))
	}
	register("/health", s.handleHealth)
	register("/status", s.handleStatus)
	register("/scan/start", s.mutating(s.handleScanStart))
	register("/scan/stop", s.mutating(s.handleScanStop))
	register("/scan/filter", s.mutating(s.handleScanFilter))
	register("/report/latest", s.handleReportLatest)
	register("/report/text", s.handleReportText)
	register("/reports/history", s.handleReportsHistory)
	register("/findings", s.handleFindings)
	register("/baselines", s.handleBaselines)
	register("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("api server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// mutating guards endpoints that change scan state: POST only, and never
// in read-only mode.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if s.cfg.ReadOnly {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "api is read-only"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"running_as_root": os.Geteuid() == 0,
	}
	if s.orch != nil {
		payload["scan"] = s.orch.Status()
	}
	if s.sched != nil {
		payload["jobs"] = s.sched.ListJobs()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scanner unavailable"})
		return
	}
	var opts orchestrator.Options
	if raw := r.URL.Query().Get("filter"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filter must be a boolean"})
			return
		}
		opts.FilterKnownItems = &v
	}
	id, err := s.orch.StartScan(r.Context(), opts)
	if errors.Is(err, orchestrator.ErrScanInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleScanStop(w http.ResponseWriter, _ *http.Request) {
	if s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scanner unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.orch.StopScan()})
}

func (s *Server) handleScanFilter(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scanner unavailable"})
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled must be a boolean"})
		return
	}
	s.orch.SetFilterOption(enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"filter_known_items": enabled})
}

func (s *Server) latest() *report.ScanReport {
	if s.orch != nil {
		if r := s.orch.CurrentReport(); r != nil {
			return r
		}
	}
	return s.reports.Latest()
}

func (s *Server) handleReportLatest(w http.ResponseWriter, _ *http.Request) {
	r := s.latest()
	if r == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed scan"})
		return
	}
	writeJSON(w, http.StatusOK, r)
}

func (s *Server) handleReportText(w http.ResponseWriter, _ *http.Request) {
	r := s.latest()
	if r == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed scan"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report.Serialize(r)))
}

func (s *Server) handleReportsHistory(w http.ResponseWriter, _ *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, s.reports.History())
		return
	}
	reports, err := s.history.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]state.ReportSummary, 0, len(reports))
	for _, r := range reports {
		out = append(out, state.Summarize(r))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFindings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reports.Flagged())
}

func (s *Server) handleBaselines(w http.ResponseWriter, _ *http.Request) {
	if s.baseline == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	baselines, err := s.baseline.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, baselines)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
