package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Verdict is the rate limiter's admission decision
type Verdict int

const (
	// Admitted - the request may proceed
	Admitted Verdict = iota
	// Throttled - the request exceeded a quota and must be rejected
	Throttled
	// Banned - the caller is serving a penalty and all requests are rejected
	Banned
)

// String returns the string representation of Verdict
func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Throttled:
		return "throttled"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus the scope that produced it and the
// retry-after interval for rejections.
type Decision struct {
	Verdict    Verdict
	Scope      string
	RetryAfter time.Duration
}

// violation tracks throttled attempts for one caller within the rolling
// violation window.
type violation struct {
	count       int
	windowStart time.Time
}

// Limiter evaluates admission across an ordered list of scope keys. A
// request proceeds only when every applicable scope admits it. Scope
// configurations are fixed at startup; per-key counters (for example one
// per caller identity) are created lazily from their scope template.
type Limiter struct {
	mu sync.Mutex

	enabled   bool
	exact     map[string]config.ScopeConfig
	templates map[string]config.ScopeConfig
	counters  map[string]Counter

	violationThreshold int
	violationWindow    time.Duration
	penaltyDuration    time.Duration
	adaptiveThreshold  float64

	violations map[string]*violation
	bans       map[string]time.Time

	allowlist map[string]struct{}
	denylist  map[string]struct{}

	loadFn func() float64
	now    func() time.Time
	logger *logger.Logger
}

// NewLimiter builds a limiter from the rate-limit configuration. Scope
// entries naming a full key ("service:samples") bind that exact key;
// entries naming only a class ("caller") act as a template applied to
// every distinct key of that class.
func NewLimiter(cfg config.RateLimitConfig, log *logger.Logger) *Limiter {
	l := &Limiter{
		enabled:            cfg.Enabled,
		exact:              make(map[string]config.ScopeConfig),
		templates:          make(map[string]config.ScopeConfig),
		counters:           make(map[string]Counter),
		violationThreshold: cfg.ViolationThreshold,
		violationWindow:    cfg.ViolationWindow,
		penaltyDuration:    cfg.PenaltyDuration,
		adaptiveThreshold:  cfg.AdaptiveThreshold,
		violations:         make(map[string]*violation),
		bans:               make(map[string]time.Time),
		allowlist:          make(map[string]struct{}, len(cfg.Allowlist)),
		denylist:           make(map[string]struct{}, len(cfg.Denylist)),
		now:                time.Now,
		logger:             log.RateLimitLogger(),
	}

	for _, id := range cfg.Allowlist {
		l.allowlist[id] = struct{}{}
	}
	for _, id := range cfg.Denylist {
		l.denylist[id] = struct{}{}
	}

	for _, scope := range cfg.Scopes {
		if strings.Contains(scope.Scope, ":") || scope.Scope == "global" {
			l.exact[scope.Scope] = scope
		} else {
			l.templates[scope.Scope] = scope
		}
	}

	return l
}

// SetLoadFunc wires the system-load source used by adaptive counters
func (l *Limiter) SetLoadFunc(fn func() float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadFn = fn
}

// SetClock overrides the time source; test hook
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Admit evaluates the ordered scope keys for one request. The caller
// identity participates in allow/deny lists and penalty tracking.
func (l *Limiter) Admit(callerID string, scopeKeys []string) Decision {
	if !l.enabled {
		return Decision{Verdict: Admitted}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Allow-lists bypass every scope unconditionally; deny-lists force
	// Banned without consulting counters.
	if _, ok := l.allowlist[callerID]; ok {
		return Decision{Verdict: Admitted}
	}
	if _, ok := l.denylist[callerID]; ok {
		return Decision{Verdict: Banned, Scope: "denylist"}
	}

	if expiry, ok := l.bans[callerID]; ok {
		if now.Before(expiry) {
			return Decision{Verdict: Banned, Scope: "penalty", RetryAfter: expiry.Sub(now)}
		}
		// Penalty expired; normal admission resumes
		delete(l.bans, callerID)
	}

	for _, key := range scopeKeys {
		counter := l.counterFor(key)
		if counter == nil {
			continue
		}
		admitted, retryAfter := counter.Allow(now)
		if admitted {
			continue
		}

		l.recordViolation(callerID, now)
		l.logger.WithFields(logrus.Fields{
			"scope":          key,
			"caller":         callerID,
			"retry_after_ms": retryAfter.Milliseconds(),
		}).Warn("Request throttled")

		return Decision{Verdict: Throttled, Scope: key, RetryAfter: retryAfter}
	}

	return Decision{Verdict: Admitted}
}

// counterFor resolves or lazily creates the counter for a scope key.
// Caller holds the lock.
func (l *Limiter) counterFor(key string) Counter {
	if c, ok := l.counters[key]; ok {
		return c
	}

	cfg, ok := l.exact[key]
	if !ok {
		class := key
		if idx := strings.Index(key, ":"); idx > 0 {
			class = key[:idx]
		}
		cfg, ok = l.templates[class]
		if !ok {
			return nil
		}
	}

	c := l.newCounter(cfg)
	l.counters[key] = c
	return c
}

// newCounter builds the algorithm variant a scope is configured with.
// Config validation guarantees the algorithm name is known.
func (l *Limiter) newCounter(cfg config.ScopeConfig) Counter {
	switch cfg.Algorithm {
	case "token_bucket":
		return newTokenBucket(cfg.Rate, cfg.Burst)
	case "sliding_window":
		return newSlidingWindow(cfg.Limit, cfg.Window)
	case "leaky_bucket":
		return newLeakyBucket(cfg.Rate, cfg.Burst)
	case "adaptive":
		return newAdaptiveWindow(cfg.Limit, cfg.Window, l.adaptiveThreshold, func() float64 {
			if l.loadFn == nil {
				return 0
			}
			return l.loadFn()
		})
	default:
		return nil
	}
}

// recordViolation counts a throttled attempt and promotes the caller to
// Banned once the threshold is reached within the violation window.
// Caller holds the lock.
func (l *Limiter) recordViolation(callerID string, now time.Time) {
	if callerID == "" || l.violationThreshold <= 0 {
		return
	}

	v := l.violations[callerID]
	if v == nil || now.Sub(v.windowStart) > l.violationWindow {
		v = &violation{windowStart: now}
		l.violations[callerID] = v
	}
	v.count++

	if v.count >= l.violationThreshold {
		l.bans[callerID] = now.Add(l.penaltyDuration)
		delete(l.violations, callerID)
		l.logger.WithFields(logrus.Fields{
			"caller":   callerID,
			"duration": l.penaltyDuration.String(),
		}).Warn("Caller banned after repeated violations")
	}
}

// Reset clears the counter state for one scope key. Idempotent; takes
// effect for the next request immediately.
func (l *Limiter) Reset(scopeKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.counters[scopeKey]; ok {
		c.Reset()
	}
	l.logger.WithField("scope", scopeKey).Info("Rate limit counters reset")
}

// Unban lifts an active penalty for a caller
func (l *Limiter) Unban(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bans, callerID)
	delete(l.violations, callerID)
}

// ScopeStatus describes one configured scope for the status API
type ScopeStatus struct {
	Scope     string  `json:"scope"`
	Algorithm string  `json:"algorithm"`
	Rate      float64 `json:"rate,omitempty"`
	Burst     int     `json:"burst,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Window    string  `json:"window,omitempty"`
}

// PenaltyStatus describes one active ban for the status API
type PenaltyStatus struct {
	Caller    string    `json:"caller"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot reports configured scopes and active penalties
func (l *Limiter) Snapshot() ([]ScopeStatus, []PenaltyStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	scopes := make([]ScopeStatus, 0, len(l.exact)+len(l.templates))
	appendScope := func(cfg config.ScopeConfig) {
		s := ScopeStatus{
			Scope:     cfg.Scope,
			Algorithm: cfg.Algorithm,
			Rate:      cfg.Rate,
			Burst:     cfg.Burst,
			Limit:     cfg.Limit,
		}
		if cfg.Window > 0 {
			s.Window = cfg.Window.String()
		}
		scopes = append(scopes, s)
	}
	for _, cfg := range l.exact {
		appendScope(cfg)
	}
	for _, cfg := range l.templates {
		appendScope(cfg)
	}

	penalties := make([]PenaltyStatus, 0, len(l.bans))
	for caller, expiry := range l.bans {
		if now.Before(expiry) {
			penalties = append(penalties, PenaltyStatus{Caller: caller, ExpiresAt: expiry})
		}
	}

	return scopes, penalties
}
