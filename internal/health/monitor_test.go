package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/domain"
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

func testHealthConfig() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Enabled:            true,
		Interval:           20 * time.Millisecond,
		Timeout:            time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		Path:               "/health",
		Protocol:           "http",
	}
}

func newMonitorForServer(t *testing.T, serverURL string, cfg domain.HealthCheckConfig) (*Monitor, *domain.Instance, *telemetry.MemorySink) {
	t.Helper()

	inst := domain.NewInstance("samples-a", serverURL, 1)
	upstream := &domain.Upstream{Name: "samples", Instances: []*domain.Instance{inst}}
	sink := telemetry.NewMemorySink()

	m := NewMonitor(
		[]*domain.Upstream{upstream},
		map[string]domain.HealthCheckConfig{"samples": cfg},
		nil,
		sink,
		testLogger(),
	)
	return m, inst, sink
}

func TestMonitorMarksInstanceUnhealthy(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m, inst, sink := newMonitorForServer(t, server.URL, testHealthConfig())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.True(t, inst.IsHealthy(), "instances start healthy")

	assert.Eventually(t, func() bool {
		return !inst.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond,
		"three consecutive probe failures should mark the instance unhealthy")

	assert.Eventually(t, func() bool {
		return len(sink.HealthChanges()) >= 1
	}, time.Second, 10*time.Millisecond)
	changes := sink.HealthChanges()
	assert.False(t, changes[0].Healthy)
	assert.Equal(t, "samples-a", changes[0].Instance)
}

func TestMonitorSingleFailureKeepsInstanceEligible(t *testing.T) {
	t.Parallel()

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the first probe fails
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, inst, _ := newMonitorForServer(t, server.URL, testHealthConfig())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, inst.IsHealthy(),
		"a failure streak below the threshold must not flip the instance")
}

func TestMonitorRecoversInstance(t *testing.T) {
	t.Parallel()

	var failing int64 = 1
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, inst, sink := newMonitorForServer(t, server.URL, testHealthConfig())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		return !inst.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond)

	// The upstream comes back; two consecutive successes restore it
	atomic.StoreInt64(&failing, 0)

	assert.Eventually(t, func() bool {
		return inst.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond)

	changes := sink.HealthChanges()
	require.GreaterOrEqual(t, len(changes), 2)
	assert.False(t, changes[0].Healthy)
	assert.True(t, changes[len(changes)-1].Healthy)
}

func TestMonitorFeedsBreaker(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	inst := domain.NewInstance("samples-a", server.URL, 1)
	upstream := &domain.Upstream{Name: "samples", Instances: []*domain.Instance{inst}}

	breakers := breaker.NewManager(map[string]domain.BreakerConfig{
		"samples": {
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			WindowSize:       10,
			MinimumCalls:     100,
			ProbeLimit:       1,
		},
	}, nil, testLogger())

	m := NewMonitor(
		[]*domain.Upstream{upstream},
		map[string]domain.HealthCheckConfig{"samples": testHealthConfig()},
		breakers,
		nil,
		testLogger(),
	)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool {
		state, _ := breakers.State("samples")
		return state == breaker.StateOpen
	}, 2*time.Second, 10*time.Millisecond,
		"repeated probe failures should open the breaker with zero live traffic")
}

func TestMonitorSkipsDisabledUpstreams(t *testing.T) {
	t.Parallel()

	inst := domain.NewInstance("samples-a", "http://localhost:9001", 1)
	upstream := &domain.Upstream{Name: "samples", Instances: []*domain.Instance{inst}}

	cfg := testHealthConfig()
	cfg.Enabled = false

	m := NewMonitor(
		[]*domain.Upstream{upstream},
		map[string]domain.HealthCheckConfig{"samples": cfg},
		nil,
		nil,
		testLogger(),
	)

	assert.Empty(t, m.Records(),
		"disabled upstreams are not probed and stay permanently eligible")
}

func TestMonitorStartStop(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m, _, _ := newMonitorForServer(t, server.URL, testHealthConfig())

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background()), "double start must fail")

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Stop(), "stop is idempotent")
}
