package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/api-gateway/internal/balancer"
	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/health"
	"github.com/mir00r/api-gateway/internal/ratelimit"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// StatusHandler exposes the read-only observation surface
type StatusHandler struct {
	breakers  *breaker.Manager
	monitor   *health.Monitor
	limiter   *ratelimit.Limiter
	balancer  *balancer.Balancer
	metrics   *telemetry.Metrics
	logger    *logger.Logger
	startTime time.Time
}

// NewStatusHandler creates a status handler
func NewStatusHandler(
	breakers *breaker.Manager,
	monitor *health.Monitor,
	limiter *ratelimit.Limiter,
	bal *balancer.Balancer,
	metrics *telemetry.Metrics,
	log *logger.Logger,
) *StatusHandler {
	return &StatusHandler{
		breakers:  breakers,
		monitor:   monitor,
		limiter:   limiter,
		balancer:  bal,
		metrics:   metrics,
		logger:    log,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers the status endpoints
func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Healthz).Methods("GET")
	router.HandleFunc("/status/upstreams", h.Upstreams).Methods("GET")
	router.HandleFunc("/status/ratelimit", h.RateLimit).Methods("GET")
	router.HandleFunc("/status/metrics", h.Metrics).Methods("GET")
}

// Healthz reports gateway liveness
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

// instanceStatus is one instance row in the upstream status response
type instanceStatus struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Weight   int    `json:"weight"`
	Healthy  bool   `json:"healthy"`
	InFlight int64  `json:"in_flight"`
	Total    int64  `json:"total_requests"`
}

type upstreamStatus struct {
	Service   string           `json:"service"`
	Strategy  string           `json:"strategy"`
	Breaker   *breaker.Stats   `json:"breaker,omitempty"`
	Instances []instanceStatus `json:"instances"`
}

// Upstreams reports per-service breaker state and instance health
func (h *StatusHandler) Upstreams(w http.ResponseWriter, r *http.Request) {
	allStats := h.breakers.AllStats()

	response := make([]upstreamStatus, 0, len(allStats))
	for _, service := range h.balancer.Services() {
		upstream, ok := h.balancer.Upstream(service)
		if !ok {
			continue
		}

		status := upstreamStatus{
			Service:  service,
			Strategy: h.balancer.StrategyName(service),
		}
		if stats, ok := allStats[service]; ok {
			s := stats
			status.Breaker = &s
		}
		for _, instance := range upstream.Instances {
			status.Instances = append(status.Instances, instanceStatus{
				ID:       instance.ID,
				URL:      instance.URL,
				Weight:   instance.Weight,
				Healthy:  instance.IsHealthy(),
				InFlight: instance.GetInFlight(),
				Total:    instance.GetTotalRequests(),
			})
		}
		response = append(response, status)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upstreams": response,
		"probes":    h.monitor.Records(),
	})
}

// RateLimit reports configured scopes and active penalties
func (h *StatusHandler) RateLimit(w http.ResponseWriter, r *http.Request) {
	scopes, penalties := h.limiter.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scopes":    scopes,
		"penalties": penalties,
	})
}

// Metrics reports aggregate request counters per upstream
func (h *StatusHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
