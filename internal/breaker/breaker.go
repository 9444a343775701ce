package breaker

import (
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/pkg/logger"
	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected without contacting the upstream
	StateOpen
	// StateHalfOpen - a limited number of probe requests test recovery
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision is the breaker's verdict for an incoming request
type Decision int

const (
	// Proceed - the request may be forwarded
	Proceed Decision = iota
	// ProceedAsProbe - the request may be forwarded as a half-open trial
	ProceedAsProbe
	// Reject - the request must fail fast without an upstream call
	Reject
)

// String returns the string representation of Decision
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case ProceedAsProbe:
		return "probe"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Breaker implements a sliding-window circuit breaker for one upstream.
// The window is a fixed-capacity ring buffer of recent call outcomes;
// only the most recent WindowSize outcomes contribute to the rates.
type Breaker struct {
	service string
	config  domain.BreakerConfig
	logger  *logger.Logger
	now     func() time.Time

	onTransition func(service string, from, to State)

	// window ring buffer
	window []domain.Outcome
	cursor int
	filled int

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int
	probeSuccesses      int
}

// New creates a circuit breaker for the named upstream. A fresh
// breaker starts Closed with an empty window.
func New(service string, config domain.BreakerConfig, log *logger.Logger) *Breaker {
	return &Breaker{
		service: service,
		config:  config,
		logger:  log.BreakerLogger(service),
		now:     time.Now,
		window:  make([]domain.Outcome, config.WindowSize),
		state:   StateClosed,
	}
}

// Allow returns the breaker's verdict for an incoming request. The caller
// must hold the manager's per-upstream lock; transitions decided here
// (Open -> HalfOpen) are applied atomically with the verdict.
func (b *Breaker) allow() Decision {
	switch b.state {
	case StateClosed:
		return Proceed

	case StateOpen:
		if !b.now().Before(b.openedAt.Add(b.config.Timeout)) {
			b.transition(StateHalfOpen)
			b.probesInFlight = 1
			b.probeSuccesses = 0
			return ProceedAsProbe
		}
		return Reject

	case StateHalfOpen:
		if b.probesInFlight < b.config.ProbeLimit {
			b.probesInFlight++
			return ProceedAsProbe
		}
		return Reject

	default:
		return Reject
	}
}

// record pushes one call outcome into the breaker and applies any state
// transition it triggers. probe marks outcomes of requests that were
// admitted with ProceedAsProbe; only those drive the half-open
// recovery accounting. Caller holds the per-upstream lock.
func (b *Breaker) record(outcome domain.Outcome, duration time.Duration, probe bool) {
	if outcome == domain.OutcomeSuccess && b.config.SlowCallDuration > 0 && duration >= b.config.SlowCallDuration {
		outcome = domain.OutcomeSlow
	}

	switch b.state {
	case StateClosed:
		b.push(outcome)
		if outcome == domain.OutcomeFailure {
			b.consecutiveFailures++
		} else {
			b.consecutiveFailures = 0
		}
		if b.tripped() {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		if !probe {
			// Late outcome from a call admitted while the breaker was
			// still closed; it holds no probe slot and must not close
			// or re-open the breaker.
			return
		}
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if outcome == domain.OutcomeSuccess {
			b.probeSuccesses++
			if b.probeSuccesses >= b.config.SuccessThreshold {
				b.clearWindow()
				b.consecutiveFailures = 0
				b.transition(StateClosed)
			}
			return
		}
		// Any failed or slow probe re-opens immediately
		b.openedAt = b.now()
		b.probesInFlight = 0
		b.probeSuccesses = 0
		b.transition(StateOpen)

	case StateOpen:
		// Late outcome from a call dispatched before the breaker opened;
		// the window is already past it.
	}
}

// release returns a probe slot that never produced an outcome, such as
// when no healthy instance was available to receive the probe. Caller
// holds the per-upstream lock.
func (b *Breaker) release() {
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// push appends an outcome to the ring buffer
func (b *Breaker) push(outcome domain.Outcome) {
	if len(b.window) == 0 {
		return
	}
	b.window[b.cursor] = outcome
	b.cursor = (b.cursor + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

// clearWindow discards all recorded outcomes
func (b *Breaker) clearWindow() {
	b.cursor = 0
	b.filled = 0
}

// tripped reports whether the closed breaker must open, based on the
// current window contents.
func (b *Breaker) tripped() bool {
	if b.config.FailureThreshold > 0 && b.consecutiveFailures >= b.config.FailureThreshold {
		return true
	}
	// Rate thresholds only apply once the window holds enough samples,
	// otherwise a single failure would read as a 100% failure rate.
	if b.filled < b.config.MinimumCalls {
		return false
	}
	failureRate, slowRate := b.rates()
	if b.config.FailureRateThreshold > 0 && failureRate >= b.config.FailureRateThreshold {
		return true
	}
	if b.config.SlowCallRateThreshold > 0 && slowRate >= b.config.SlowCallRateThreshold {
		return true
	}
	return false
}

// rates derives failure and slow-call rates from the window
func (b *Breaker) rates() (failureRate, slowRate float64) {
	if b.filled == 0 {
		return 0, 0
	}
	var failures, slow int
	for i := 0; i < b.filled; i++ {
		switch b.window[i] {
		case domain.OutcomeFailure:
			failures++
		case domain.OutcomeSlow:
			slow++
		}
	}
	return float64(failures) / float64(b.filled), float64(slow) / float64(b.filled)
}

// transition moves the breaker to a new state and notifies the listener
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Warn("Circuit breaker state changed")

	if b.onTransition != nil {
		b.onTransition(b.service, from, to)
	}
}

// reset restores the breaker to its initial closed state
func (b *Breaker) reset() {
	b.clearWindow()
	b.consecutiveFailures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	b.openedAt = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Stats is a read-only snapshot of one breaker's state
type Stats struct {
	Service             string    `json:"service"`
	State               string    `json:"state"`
	FailureRate         float64   `json:"failure_rate"`
	SlowCallRate        float64   `json:"slow_call_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFill          int       `json:"window_fill"`
	WindowSize          int       `json:"window_size"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// stats builds a snapshot. Caller holds the per-upstream lock.
func (b *Breaker) stats() Stats {
	failureRate, slowRate := b.rates()
	return Stats{
		Service:             b.service,
		State:               b.state.String(),
		FailureRate:         failureRate,
		SlowCallRate:        slowRate,
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFill:          b.filled,
		WindowSize:          len(b.window),
		OpenedAt:            b.openedAt,
	}
}
