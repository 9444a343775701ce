package telemetry

import (
	"sync"
	"time"
)

// Metrics aggregates per-upstream request statistics for the status API
type Metrics struct {
	totalRequests int64
	totalErrors   int64

	upstreams map[string]*UpstreamMetrics
	mu        sync.RWMutex
}

// UpstreamMetrics holds aggregated statistics for one upstream service
type UpstreamMetrics struct {
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	Throttled    int64     `json:"throttled"`
	Rejected     int64     `json:"rejected"`
	TotalLatency int64     `json:"total_latency_ms"`
	MinLatency   int64     `json:"min_latency_ms"`
	MaxLatency   int64     `json:"max_latency_ms"`
	LastRequest  time.Time `json:"last_request"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		upstreams: make(map[string]*UpstreamMetrics),
	}
}

func (m *Metrics) upstream(service string) *UpstreamMetrics {
	if m.upstreams[service] == nil {
		m.upstreams[service] = &UpstreamMetrics{
			MinLatency: int64(^uint64(0) >> 1),
		}
	}
	return m.upstreams[service]
}

// IncrementRequests increments the request count for an upstream
func (m *Metrics) IncrementRequests(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	um := m.upstream(service)
	um.Requests++
	um.LastRequest = time.Now()
}

// IncrementErrors increments the error count for an upstream
func (m *Metrics) IncrementErrors(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalErrors++
	m.upstream(service).Errors++
}

// IncrementThrottled increments the rate-limit rejection count
func (m *Metrics) IncrementThrottled(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upstream(service).Throttled++
}

// IncrementRejected increments the breaker rejection count
func (m *Metrics) IncrementRejected(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.upstream(service).Rejected++
}

// RecordLatency records request latency for an upstream
func (m *Metrics) RecordLatency(service string, duration time.Duration) {
	latencyMs := duration.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	um := m.upstream(service)
	um.TotalLatency += latencyMs
	if latencyMs < um.MinLatency {
		um.MinLatency = latencyMs
	}
	if latencyMs > um.MaxLatency {
		um.MaxLatency = latencyMs
	}
}

// GetStats returns a snapshot of current statistics
func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perUpstream := make(map[string]UpstreamMetrics, len(m.upstreams))
	for name, um := range m.upstreams {
		perUpstream[name] = *um
	}

	return map[string]interface{}{
		"total_requests": m.totalRequests,
		"total_errors":   m.totalErrors,
		"upstreams":      perUpstream,
	}
}

// GetUpstreamStats returns statistics for a specific upstream
func (m *Metrics) GetUpstreamStats(service string) UpstreamMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if um, ok := m.upstreams[service]; ok {
		return *um
	}
	return UpstreamMetrics{}
}
