package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Counter is the admission capability shared by all rate-limit
// algorithms. The variant is selected at configuration-load time per
// scope; request handling never branches on algorithm names.
type Counter interface {
	// Allow reports whether one request is admitted at the given time.
	// When it is not, the returned duration tells the caller how long
	// until admission could next succeed.
	Allow(now time.Time) (bool, time.Duration)
	// Reset discards all accumulated state
	Reset()
	// Algorithm names the variant for the status API
	Algorithm() string
}

// tokenBucket admits while tokens are available; the bucket refills
// continuously at rate tokens per second up to burst capacity.
type tokenBucket struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
}

func newTokenBucket(rps float64, burst int) *tokenBucket {
	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
	}
}

func (t *tokenBucket) Allow(now time.Time) (bool, time.Duration) {
	r := t.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Duration(float64(time.Second) / t.rps)
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (t *tokenBucket) Reset() {
	t.limiter = rate.NewLimiter(rate.Limit(t.rps), t.burst)
}

func (t *tokenBucket) Algorithm() string { return "token_bucket" }

// slidingWindow counts requests in the trailing window, pruning expired
// entries on each check. Timestamped entries rather than fixed buckets,
// so no boundary bursts.
type slidingWindow struct {
	limit   int
	window  time.Duration
	entries []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
	}
}

func (s *slidingWindow) Allow(now time.Time) (bool, time.Duration) {
	return s.allowN(now, s.limit)
}

// allowN admits against an effective limit; the adaptive counter reuses
// this with a scaled limit.
func (s *slidingWindow) allowN(now time.Time, limit int) (bool, time.Duration) {
	s.prune(now)
	if len(s.entries) < limit {
		s.entries = append(s.entries, now)
		return true, 0
	}
	if len(s.entries) == 0 {
		return false, s.window
	}
	// Admission becomes possible when the oldest counted entry leaves
	// the trailing window.
	retryAfter := s.entries[0].Add(s.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

func (s *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	idx := 0
	for idx < len(s.entries) && !s.entries[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.entries = append(s.entries[:0], s.entries[idx:]...)
	}
}

func (s *slidingWindow) Reset() {
	s.entries = nil
}

func (s *slidingWindow) Algorithm() string { return "sliding_window" }

// leakyBucket models requests as a queue draining at a fixed rate;
// admission succeeds while the queue is below capacity. Used to smooth
// bursts rather than reject them outright.
type leakyBucket struct {
	ratePerSec float64
	capacity   float64
	level      float64
	lastDrain  time.Time
}

func newLeakyBucket(ratePerSec float64, capacity int) *leakyBucket {
	return &leakyBucket{
		ratePerSec: ratePerSec,
		capacity:   float64(capacity),
	}
}

func (l *leakyBucket) Allow(now time.Time) (bool, time.Duration) {
	if !l.lastDrain.IsZero() {
		elapsed := now.Sub(l.lastDrain).Seconds()
		l.level = math.Max(0, l.level-elapsed*l.ratePerSec)
	}
	l.lastDrain = now

	if l.level < l.capacity {
		l.level++
		return true, 0
	}
	// Time until one queued request drains
	overflow := l.level - l.capacity + 1
	return false, time.Duration(overflow / l.ratePerSec * float64(time.Second))
}

func (l *leakyBucket) Reset() {
	l.level = 0
	l.lastDrain = time.Time{}
}

func (l *leakyBucket) Algorithm() string { return "leaky_bucket" }

// adaptiveWindow scales a sliding-window limit down under load. The load
// function returns the gateway's normalized in-flight ratio in [0,1];
// above the threshold the effective limit becomes limit*(1-load),
// otherwise plain sliding-window semantics apply.
type adaptiveWindow struct {
	window    *slidingWindow
	baseLimit int
	threshold float64
	loadFn    func() float64
}

func newAdaptiveWindow(limit int, window time.Duration, threshold float64, loadFn func() float64) *adaptiveWindow {
	return &adaptiveWindow{
		window:    newSlidingWindow(limit, window),
		baseLimit: limit,
		threshold: threshold,
		loadFn:    loadFn,
	}
}

func (a *adaptiveWindow) Allow(now time.Time) (bool, time.Duration) {
	limit := a.baseLimit
	if a.loadFn != nil {
		load := a.loadFn()
		if load > a.threshold {
			if load > 1 {
				load = 1
			}
			limit = int(float64(a.baseLimit) * (1 - load))
			if limit < 1 {
				limit = 1
			}
		}
	}
	return a.window.allowN(now, limit)
}

func (a *adaptiveWindow) Reset() {
	a.window.Reset()
}

func (a *adaptiveWindow) Algorithm() string { return "adaptive" }
