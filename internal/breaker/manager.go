package breaker

import (
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Manager owns one circuit breaker per configured upstream. The mapping
// is fixed at startup; lookups at request time are O(1) and never create
// breakers on the fly.
type Manager struct {
	breakers map[string]*entry
	sink     telemetry.Sink
	logger   *logger.Logger
}

// entry pairs a breaker with the lock that makes its outcome recording
// and state transitions linearizable per upstream.
type entry struct {
	mu      sync.Mutex
	breaker *Breaker
}

// NewManager creates breakers for every configured upstream
func NewManager(configs map[string]domain.BreakerConfig, sink telemetry.Sink, log *logger.Logger) *Manager {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	m := &Manager{
		breakers: make(map[string]*entry, len(configs)),
		sink:     sink,
		logger:   log,
	}
	for service, cfg := range configs {
		b := New(service, cfg, log)
		b.onTransition = m.emitTransition
		m.breakers[service] = &entry{breaker: b}
	}
	return m
}

func (m *Manager) emitTransition(service string, from, to State) {
	m.sink.RecordBreakerTransition(telemetry.BreakerEvent{
		Service:   service,
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
	})
}

// Allow returns the breaker verdict for the named upstream. Unknown
// services reject; they cannot occur once config validation has passed.
func (m *Manager) Allow(service string) Decision {
	e, ok := m.breakers[service]
	if !ok {
		return Reject
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.allow()
}

// Record pushes a call outcome into the named upstream's breaker
func (m *Manager) Record(service string, outcome domain.Outcome, duration time.Duration) {
	e, ok := m.breakers[service]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.record(outcome, duration, false)
}

// RecordProbe pushes the outcome of a request that was admitted with
// ProceedAsProbe. Probe outcomes free their slot and drive the
// half-open success and re-open accounting.
func (m *Manager) RecordProbe(service string, outcome domain.Outcome, duration time.Duration) {
	e, ok := m.breakers[service]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.record(outcome, duration, true)
}

// Release returns a probe slot for a request that was admitted with
// ProceedAsProbe but never reached an upstream, so no outcome will be
// recorded for it. Without this a run of such requests would exhaust
// the probe budget and leave the breaker rejecting forever.
func (m *Manager) Release(service string) {
	e, ok := m.breakers[service]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.release()
}

// State returns the current state of the named upstream's breaker
func (m *Manager) State(service string) (State, bool) {
	e, ok := m.breakers[service]
	if !ok {
		return StateClosed, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.state, true
}

// Reset restores the named breaker to Closed. Idempotent; takes effect
// for the next request immediately.
func (m *Manager) Reset(service string) bool {
	e, ok := m.breakers[service]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breaker.reset()
	m.logger.BreakerLogger(service).Info("Circuit breaker reset to closed state")
	return true
}

// Stats returns a snapshot for the named upstream's breaker
func (m *Manager) Stats(service string) (Stats, bool) {
	e, ok := m.breakers[service]
	if !ok {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.stats(), true
}

// AllStats returns snapshots for every breaker, keyed by service name
func (m *Manager) AllStats() map[string]Stats {
	out := make(map[string]Stats, len(m.breakers))
	for service, e := range m.breakers {
		e.mu.Lock()
		out[service] = e.breaker.stats()
		e.mu.Unlock()
	}
	return out
}

// SetClock overrides the time source for every breaker; test hook
func (m *Manager) SetClock(now func() time.Time) {
	for _, e := range m.breakers {
		e.mu.Lock()
		e.breaker.now = now
		e.mu.Unlock()
	}
}
