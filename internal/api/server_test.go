package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/maintenance"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/resolver"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/strategy"
	"github.com/kalambet/topicimg/internal/tracker"
)

func testDeps() Deps {
	return Deps{
		Resolver: &mockResolver{fn: func(_ context.Context, topic, _ string) (resolver.Result, error) {
			return resolver.Result{
				RequestID: "req-1",
				Topic:     topic,
				Source:    resolver.SourceCache,
				Images:    []resolver.ImageRef{{ImageID: "1509391366360-aaaa", Source: "unsplash", URL: "https://images.unsplash.com/photo-1509391366360-aaaa", Confidence: 0.9}},
			}, nil
		}},
		Stats: &mockStats{stats: cache.Stats{TotalTopics: 3, TotalImages: 7}},
		Tracker: &mockTracker{
			bestFn: func(int) (string, bool, error) { return "verbose", true, nil },
		},
		Maintenance: &mockMaintainer{},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	rr := do(t, NewHandler(testDeps()), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestResolve(t *testing.T) {
	h := NewHandler(testDeps())

	rr := do(t, h, http.MethodPost, "/v1/resolve", `{"topic":"solar panels","context":"<p>energy</p>"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[resolver.Result](t, rr)
	assert.Equal(t, "solar panels", res.Topic)
	assert.Equal(t, resolver.SourceCache, res.Source)
	require.Len(t, res.Images, 1)

	rr = do(t, h, http.MethodPost, "/v1/resolve", `{"topic":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/resolve", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResolve_RequestIDPropagates(t *testing.T) {
	deps := testDeps()
	var seen string
	deps.Resolver = &mockResolver{fn: func(ctx context.Context, topic, _ string) (resolver.Result, error) {
		seen = middleware.GetReqID(ctx)
		return resolver.Result{RequestID: seen, Topic: topic, Source: resolver.SourceCache}, nil
	}}
	h := NewHandler(deps)

	rr := do(t, h, http.MethodPost, "/v1/resolve", `{"topic":"tidal energy"}`, "X-Request-Id", "cli-42")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cli-42", seen)
	assert.Equal(t, "cli-42", rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "cli-42", decode[resolver.Result](t, rr).RequestID)

	rr = do(t, h, http.MethodPost, "/v1/resolve", `{"topic":"tidal energy"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-Id"))
}

func TestResolve_StorageFailure(t *testing.T) {
	deps := testDeps()
	deps.Resolver = &mockResolver{fn: func(context.Context, string, string) (resolver.Result, error) {
		return resolver.Result{}, errors.New("database is locked")
	}}

	rr := do(t, NewHandler(deps), http.MethodPost, "/v1/resolve", `{"topic":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is locked")
}

func TestBearerAuth(t *testing.T) {
	deps := testDeps()
	deps.Token = "s3cret"
	h := NewHandler(deps)

	rr := do(t, h, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	assert.Equal(t, `Bearer realm="topicimg"`, rr.Header().Get("WWW-Authenticate"))

	rr = do(t, h, http.MethodGet, "/v1/stats", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/stats", "", "Authorization", "Basic s3cret")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/stats", "", "Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/stats", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rr.Code)
	st := decode[cache.Stats](t, rr)
	assert.Equal(t, 3, st.TotalTopics)

	// Health stays public.
	rr = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBestStrategy(t *testing.T) {
	deps := testDeps()
	var gotMin int
	deps.Tracker = &mockTracker{bestFn: func(n int) (string, bool, error) {
		gotMin = n
		return "", false, nil
	}}
	h := NewHandler(deps)

	rr := do(t, h, http.MethodGet, "/v1/strategies/best", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, gotMin)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, false, body["found"])

	rr = do(t, h, http.MethodGet, "/v1/strategies/best?min_trials=3", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, gotMin)

	rr = do(t, h, http.MethodGet, "/v1/strategies/best?min_trials=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRunExperiment(t *testing.T) {
	deps := testDeps()
	deps.Tracker = &mockTracker{runFn: func(name string, strategies []string, n int) (tracker.Result, error) {
		switch name {
		case "":
			return tracker.Result{}, fmt.Errorf("%w: name is required", tracker.ErrInvalidExperiment)
		case "odd":
			return tracker.Result{Experiment: name, Status: storage.ExperimentPaused}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, strategies[0])
		case "broken":
			return tracker.Result{}, errors.New("disk I/O error")
		}
		return tracker.Result{Experiment: name, Status: storage.ExperimentCompleted, Winner: strategies[0]}, nil
	}}
	h := NewHandler(deps)

	rr := do(t, h, http.MethodPost, "/v1/experiments", `{"name":"shootout","strategies":["verbose","default"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[tracker.Result](t, rr)
	assert.Equal(t, "verbose", res.Winner)

	rr = do(t, h, http.MethodPost, "/v1/experiments", `{"name":"","strategies":["default"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/experiments", `{"name":"odd","strategies":["telepathy"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/experiments", `{"name":"broken","strategies":["default"]}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestExperiments(t *testing.T) {
	deps := testDeps()
	deps.Tracker = &mockTracker{
		experiments: []storage.Experiment{{Name: "shootout", Strategies: []string{"default"}, Status: storage.ExperimentCompleted}},
		experimentFn: func(name string) (storage.Experiment, map[string]tracker.Summary, error) {
			if name != "shootout" {
				return storage.Experiment{}, nil, storage.ErrNotFound
			}
			return storage.Experiment{Name: name, Status: storage.ExperimentCompleted},
				map[string]tracker.Summary{"default": {Strategy: "default", Trials: 5}}, nil
		},
	}
	h := NewHandler(deps)

	rr := do(t, h, http.MethodGet, "/v1/experiments", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[map[string][]experimentView](t, rr)
	require.Len(t, list["experiments"], 1)
	assert.Equal(t, "shootout", list["experiments"][0].Name)

	rr = do(t, h, http.MethodGet, "/v1/experiments/shootout", "")
	require.Equal(t, http.StatusOK, rr.Code)
	v := decode[experimentView](t, rr)
	assert.Equal(t, 5, v.Summaries["default"].Trials)

	rr = do(t, h, http.MethodGet, "/v1/experiments/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMaintenanceRoutes(t *testing.T) {
	deps := testDeps()
	m := &mockMaintainer{report: maintenance.Report{HealthScore: 0.9, Status: maintenance.HealthExcellent}}
	deps.Maintenance = m
	deps.CleanupDays = 14
	h := NewHandler(deps)

	rr := do(t, h, http.MethodPost, "/v1/maintenance/cleanup", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 14, m.cleanupDays)
	cs := decode[maintenance.CleanupSummary](t, rr)
	assert.Equal(t, 4, cs.CacheRemoved)

	rr = do(t, h, http.MethodPost, "/v1/maintenance/cleanup?days=60", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 60, m.cleanupDays)

	rr = do(t, h, http.MethodPost, "/v1/maintenance/optimize", "")
	require.Equal(t, http.StatusOK, rr.Code)
	opt := decode[maintenance.OptimizeSummary](t, rr)
	assert.Len(t, opt.Vacuumed, 2)

	rr = do(t, h, http.MethodGet, "/v1/maintenance/performance?days=3", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[maintenance.Performance](t, rr).PeriodDays)

	rr = do(t, h, http.MethodGet, "/v1/maintenance/report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, maintenance.HealthExcellent, decode[maintenance.Report](t, rr).Status)

	m.reportErr = errors.New("no such table")
	rr = do(t, h, http.MethodGet, "/v1/maintenance/report", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetricsEndpointAndInstrumentation(t *testing.T) {
	reg := metrics.NewRegistry()
	deps := testDeps()
	deps.Gatherer = reg
	deps.Metrics = metrics.New(reg)
	deps.Tracker = &mockTracker{experimentFn: func(string) (storage.Experiment, map[string]tracker.Summary, error) {
		return storage.Experiment{}, nil, storage.ErrNotFound
	}}
	h := NewHandler(deps)

	do(t, h, http.MethodGet, "/v1/experiments/anything", "")
	do(t, h, http.MethodGet, "/health", "")

	rr := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `route="/v1/experiments/{name}"`)
	assert.Contains(t, body, `route="/health"`)
}
