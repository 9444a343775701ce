package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/api-gateway/internal/balancer"
	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/internal/health"
	"github.com/mir00r/api-gateway/internal/ratelimit"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	return log
}

type handlerFixture struct {
	router   *mux.Router
	breakers *breaker.Manager
	limiter  *ratelimit.Limiter
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	log := testLogger()

	inst := domain.NewInstance("samples-1", "http://localhost:9001", 1)
	upstream := &domain.Upstream{Name: "samples", Instances: []*domain.Instance{inst}}

	breakers := breaker.NewManager(map[string]domain.BreakerConfig{
		"samples": {
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          time.Minute,
			WindowSize:       100,
			MinimumCalls:     10,
			ProbeLimit:       3,
		},
	}, nil, log)

	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		Enabled:            true,
		ViolationThreshold: 1,
		ViolationWindow:    time.Minute,
		PenaltyDuration:    time.Hour,
		Scopes: []config.ScopeConfig{
			{Scope: "global", Algorithm: "sliding_window", Limit: 2, Window: time.Hour},
		},
	}, log)

	bal, err := balancer.New(
		[]*domain.Upstream{upstream},
		map[string]domain.BalancingStrategy{"samples": domain.RoundRobinStrategy},
		log,
	)
	require.NoError(t, err)

	monitor := health.NewMonitor(nil, nil, breakers, nil, log)
	metrics := telemetry.NewMetrics()

	router := mux.NewRouter()
	NewStatusHandler(breakers, monitor, limiter, bal, metrics, log).RegisterRoutes(router)
	NewAdminHandler(breakers, limiter, log).RegisterRoutes(router)

	return &handlerFixture{router: router, breakers: breakers, limiter: limiter}
}

func (f *handlerFixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthzEndpoint(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)
	rec := f.do("GET", "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestUpstreamStatusEndpoint(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	// Trip the breaker so the snapshot shows it open
	for i := 0; i < 5; i++ {
		f.breakers.Record("samples", domain.OutcomeFailure, time.Millisecond)
	}

	rec := f.do("GET", "/status/upstreams")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Upstreams []struct {
			Service  string `json:"service"`
			Strategy string `json:"strategy"`
			Breaker  struct {
				State string `json:"state"`
			} `json:"breaker"`
			Instances []struct {
				ID      string `json:"id"`
				Healthy bool   `json:"healthy"`
			} `json:"instances"`
		} `json:"upstreams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Upstreams, 1)
	assert.Equal(t, "samples", body.Upstreams[0].Service)
	assert.Equal(t, "round_robin", body.Upstreams[0].Strategy)
	assert.Equal(t, "open", body.Upstreams[0].Breaker.State)
	require.Len(t, body.Upstreams[0].Instances, 1)
	assert.True(t, body.Upstreams[0].Instances[0].Healthy)
}

func TestRateLimitStatusEndpoint(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	rec := f.do("GET", "/status/ratelimit")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Scopes []struct {
			Scope     string `json:"scope"`
			Algorithm string `json:"algorithm"`
		} `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Scopes, 1)
	assert.Equal(t, "global", body.Scopes[0].Scope)
	assert.Equal(t, "sliding_window", body.Scopes[0].Algorithm)
}

func TestAdminResetBreaker(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	for i := 0; i < 5; i++ {
		f.breakers.Record("samples", domain.OutcomeFailure, time.Millisecond)
	}
	state, _ := f.breakers.State("samples")
	require.Equal(t, breaker.StateOpen, state)

	rec := f.do("POST", "/admin/breakers/samples/reset")
	assert.Equal(t, http.StatusOK, rec.Code)

	state, _ = f.breakers.State("samples")
	assert.Equal(t, breaker.StateClosed, state)
}

func TestAdminResetBreakerUnknownService(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)
	rec := f.do("POST", "/admin/breakers/nothing/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminResetScope(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	f.limiter.Admit("x", []string{"global"})
	f.limiter.Admit("x", []string{"global"})
	require.Equal(t, ratelimit.Throttled, f.limiter.Admit("x", []string{"global"}).Verdict)

	rec := f.do("POST", "/admin/ratelimit/scopes/reset?scope=global")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, ratelimit.Admitted, f.limiter.Admit("y", []string{"global"}).Verdict)
}

func TestAdminResetScopeMissingParameter(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)
	rec := f.do("POST", "/admin/ratelimit/scopes/reset")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUnban(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t)

	// One violation bans at threshold 1
	f.limiter.Admit("mallory", []string{"global"})
	f.limiter.Admit("mallory", []string{"global"})
	f.limiter.Admit("mallory", []string{"global"})
	require.Equal(t, ratelimit.Banned, f.limiter.Admit("mallory", []string{"global"}).Verdict)

	rec := f.do("DELETE", "/admin/ratelimit/bans/mallory")
	assert.Equal(t, http.StatusOK, rec.Code)

	d := f.limiter.Admit("mallory", []string{"global"})
	assert.NotEqual(t, ratelimit.Banned, d.Verdict)
}
