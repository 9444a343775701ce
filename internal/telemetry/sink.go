package telemetry

import (
	"sync"
	"time"

	"github.com/mir00r/api-gateway/pkg/logger"
	"github.com/sirupsen/logrus"
)

// RequestEvent captures the decision trail and result of one proxied request
type RequestEvent struct {
	CorrelationID    string        `json:"correlation_id"`
	Service          string        `json:"service"`
	Endpoint         string        `json:"endpoint"`
	CallerID         string        `json:"caller_id,omitempty"`
	Instance         string        `json:"instance,omitempty"`
	RateLimitVerdict string        `json:"rate_limit_verdict"`
	BreakerVerdict   string        `json:"breaker_verdict"`
	StatusCode       int           `json:"status_code"`
	Elapsed          time.Duration `json:"elapsed"`
}

// BreakerEvent captures a circuit breaker state transition
type BreakerEvent struct {
	Service   string    `json:"service"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthEvent captures an instance health transition
type HealthEvent struct {
	Service   string    `json:"service"`
	Instance  string    `json:"instance"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives telemetry emitted by the resilience core. Implementations
// must be safe for concurrent use and must not block request handling.
type Sink interface {
	RecordRequest(ev RequestEvent)
	RecordBreakerTransition(ev BreakerEvent)
	RecordHealthChange(ev HealthEvent)
}

// LogSink writes telemetry events through the structured logger
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a telemetry sink backed by the gateway logger
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithField("component", "telemetry")}
}

func (s *LogSink) RecordRequest(ev RequestEvent) {
	s.logger.WithFields(logrus.Fields{
		"correlation_id":     ev.CorrelationID,
		"service":            ev.Service,
		"endpoint":           ev.Endpoint,
		"caller_id":          ev.CallerID,
		"instance":           ev.Instance,
		"rate_limit_verdict": ev.RateLimitVerdict,
		"breaker_verdict":    ev.BreakerVerdict,
		"status_code":        ev.StatusCode,
		"elapsed_ms":         ev.Elapsed.Milliseconds(),
	}).Info("Request processed")
}

func (s *LogSink) RecordBreakerTransition(ev BreakerEvent) {
	s.logger.WithFields(logrus.Fields{
		"service": ev.Service,
		"from":    ev.From,
		"to":      ev.To,
	}).Warn("Circuit breaker state changed")
}

func (s *LogSink) RecordHealthChange(ev HealthEvent) {
	entry := s.logger.WithFields(logrus.Fields{
		"service":  ev.Service,
		"instance": ev.Instance,
		"healthy":  ev.Healthy,
	})
	if ev.Healthy {
		entry.Info("Instance health changed")
	} else {
		entry.Warn("Instance health changed")
	}
}

// MemorySink retains events in memory; used by tests and the status API
type MemorySink struct {
	mu       sync.Mutex
	requests []RequestEvent
	breakers []BreakerEvent
	health   []HealthEvent
}

// NewMemorySink creates an in-memory telemetry sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) RecordRequest(ev RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, ev)
}

func (s *MemorySink) RecordBreakerTransition(ev BreakerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = append(s.breakers, ev)
}

func (s *MemorySink) RecordHealthChange(ev HealthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, ev)
}

// Requests returns a snapshot of recorded request events
func (s *MemorySink) Requests() []RequestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestEvent, len(s.requests))
	copy(out, s.requests)
	return out
}

// BreakerTransitions returns a snapshot of recorded breaker events
func (s *MemorySink) BreakerTransitions() []BreakerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerEvent, len(s.breakers))
	copy(out, s.breakers)
	return out
}

// HealthChanges returns a snapshot of recorded health events
func (s *MemorySink) HealthChanges() []HealthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HealthEvent, len(s.health))
	copy(out, s.health)
	return out
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) RecordRequest(RequestEvent)            {}
func (NopSink) RecordBreakerTransition(BreakerEvent)  {}
func (NopSink) RecordHealthChange(HealthEvent)        {}
