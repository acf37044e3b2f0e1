package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/maintenance"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/resolver"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/strategy"
	"github.com/kalambet/topicimg/internal/tracker"
)

const maxRequestBodySize = 64 << 10

type Resolver interface {
	Resolve(ctx context.Context, topic, slideContext string) (resolver.Result, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

type Experimenter interface {
	RunABTest(ctx context.Context, name string, strategies []string, sampleSize int) (tracker.Result, error)
	Experiments(ctx context.Context) ([]storage.Experiment, error)
	Experiment(ctx context.Context, name string) (storage.Experiment, map[string]tracker.Summary, error)
	BestStrategy(ctx context.Context, minTrials int) (string, bool, error)
}

type Maintainer interface {
	CleanupExpiredData(ctx context.Context, days int) maintenance.CleanupSummary
	Optimize(ctx context.Context) maintenance.OptimizeSummary
	AnalyzePerformance(ctx context.Context, days int) (maintenance.Performance, error)
	Report(ctx context.Context) (maintenance.Report, error)
}

type Deps struct {
	Resolver    Resolver
	Stats       StatsSource
	Tracker     Experimenter
	Maintenance Maintainer
	// Gatherer serves /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Token    string
	// CleanupDays and BestStrategyMin are the defaults for requests that
	// omit them.
	CleanupDays     int
	BestStrategyMin int
	Logger          *slog.Logger
}

// NewHandler returns the HTTP API. /health and /metrics are public; every
// /v1 route sits behind BearerAuth.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CleanupDays < 1 {
		deps.CleanupDays = 30
	}
	if deps.BestStrategyMin < 1 {
		deps.BestStrategyMin = 10
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(deps.Metrics))

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/resolve", handleResolve(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/strategies/best", handleBestStrategy(deps))
		r.Post("/experiments", handleRunExperiment(deps))
		r.Get("/experiments", handleListExperiments(deps))
		r.Get("/experiments/{name}", handleGetExperiment(deps))
		r.Post("/maintenance/cleanup", handleCleanup(deps))
		r.Post("/maintenance/optimize", handleOptimize(deps))
		r.Get("/maintenance/performance", handlePerformance(deps))
		r.Get("/maintenance/report", handleReport(deps))
	})
	return r
}

// echoRequestID returns the request id so callers can quote it.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records one observation per request labelled by route pattern,
// so ids in paths do not explode label cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type resolveRequest struct {
	Topic   string `json:"topic"`
	Context string `json:"context"`
}

func handleResolve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Topic) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "topic is required")
			return
		}

		res, err := deps.Resolver.Resolve(r.Context(), req.Topic, req.Context)
		if err != nil {
			deps.Logger.Error("resolve failed", "topic", req.Topic, "error", err)
			httpError(w, http.StatusInternalServerError, "storage_error", "resolve failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Stats.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleBestStrategy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		minTrials, ok := intParam(w, r, "min_trials", deps.BestStrategyMin)
		if !ok {
			return
		}
		name, found, err := deps.Tracker.BestStrategy(r.Context(), minTrials)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "ranking strategies: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"strategy":   name,
			"found":      found,
			"min_trials": minTrials,
		})
	}
}

type experimentRequest struct {
	Name       string   `json:"name"`
	Strategies []string `json:"strategies"`
	SampleSize int      `json:"sample_size"`
}

func handleRunExperiment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req experimentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SampleSize == 0 {
			req.SampleSize = 5
		}

		res, err := deps.Tracker.RunABTest(r.Context(), req.Name, req.Strategies, req.SampleSize)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, tracker.ErrInvalidExperiment):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case errors.Is(err, strategy.ErrUnknownStrategy):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		default:
			deps.Logger.Error("experiment failed", "experiment", req.Name, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "experiment %s: %v", req.Name, err)
		}
	}
}

type experimentView struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Strategies  []string                   `json:"strategies"`
	SampleSize  int                        `json:"sample_size"`
	StartedAt   time.Time                  `json:"started_at"`
	EndedAt     *time.Time                 `json:"ended_at,omitempty"`
	Status      string                     `json:"status"`
	Winner      string                     `json:"winner,omitempty"`
	Summaries   map[string]tracker.Summary `json:"summaries,omitempty"`
}

func viewExperiment(e storage.Experiment) experimentView {
	return experimentView{
		Name:        e.Name,
		Description: e.Description,
		Strategies:  e.Strategies,
		SampleSize:  e.SampleSize,
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
		Status:      e.Status,
		Winner:      e.Winner,
	}
}

func handleListExperiments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Tracker.Experiments(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "listing experiments: %v", err)
			return
		}
		out := make([]experimentView, len(list))
		for i, e := range list {
			out[i] = viewExperiment(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"experiments": out})
	}
}

func handleGetExperiment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		e, summaries, err := deps.Tracker.Experiment(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "experiment %s not found", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading experiment: %v", err)
			return
		}
		v := viewExperiment(e)
		v.Summaries = summaries
		writeJSON(w, http.StatusOK, v)
	}
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, ok := intParam(w, r, "days", deps.CleanupDays)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, deps.Maintenance.CleanupExpiredData(r.Context(), days))
	}
}

func handleOptimize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Maintenance.Optimize(r.Context()))
	}
}

func handlePerformance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, ok := intParam(w, r, "days", 7)
		if !ok {
			return
		}
		p, err := deps.Maintenance.AnalyzePerformance(r.Context(), days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Maintenance.Report(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// intParam reads a positive integer query parameter, writing a 400 when it
// is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be a positive integer", name)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
