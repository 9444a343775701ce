package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mir00r/api-gateway/internal/balancer"
	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/internal/domain"
	gwerrors "github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/internal/middleware"
	"github.com/mir00r/api-gateway/internal/ratelimit"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
	"golang.org/x/net/http2"
)

// Pipeline composes the resilience core: for every inbound request it
// consults the rate limiter, the circuit breaker, and the load balancer,
// forwards the call, and feeds the outcome back into the breaker.
type Pipeline struct {
	limiter  *ratelimit.Limiter
	breakers *breaker.Manager
	balancer *balancer.Balancer
	metrics  *telemetry.Metrics
	sink     telemetry.Sink
	logger   *logger.Logger
	config   config.ProxyConfig

	transport http.RoundTripper

	// Gateway-wide in-flight count; the adaptive rate-limit counters
	// read it through Load().
	inFlight    int64
	maxInFlight int64
}

// NewPipeline creates the proxy pipeline
func NewPipeline(
	limiter *ratelimit.Limiter,
	breakers *breaker.Manager,
	bal *balancer.Balancer,
	metrics *telemetry.Metrics,
	sink telemetry.Sink,
	log *logger.Logger,
	cfg config.ProxyConfig,
	maxInFlight int,
) *Pipeline {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if maxInFlight <= 0 {
		maxInFlight = 1000
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	// Upstreams that speak h2 get it over the same transport
	if err := http2.ConfigureTransport(transport); err != nil {
		log.WithError(err).Warn("Failed to enable HTTP/2 on upstream transport")
	}

	p := &Pipeline{
		limiter:     limiter,
		breakers:    breakers,
		balancer:    bal,
		metrics:     metrics,
		sink:        sink,
		logger:      log,
		config:      cfg,
		transport:   transport,
		maxInFlight: int64(maxInFlight),
	}
	limiter.SetLoadFunc(p.Load)
	return p
}

// Load returns the gateway's normalized in-flight ratio in [0,1]
func (p *Pipeline) Load() float64 {
	load := float64(atomic.LoadInt64(&p.inFlight)) / float64(p.maxInFlight)
	if load > 1 {
		return 1
	}
	return load
}

// ServiceHandler returns the pipeline handler bound to one upstream
// service; the router installs one per route prefix.
func (p *Pipeline) ServiceHandler(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handle(w, r, service)
	})
}

func (p *Pipeline) handle(w http.ResponseWriter, r *http.Request, service string) {
	atomic.AddInt64(&p.inFlight, 1)
	defer atomic.AddInt64(&p.inFlight, -1)

	rc := middleware.RequestContextFrom(r.Context())
	if rc == nil {
		rc = domain.NewRequestContext(r)
	}
	rc.Service = service

	log := p.logger.RequestLogger(rc.CorrelationID, rc.Method, rc.Endpoint, rc.RemoteAddr)

	// Rate limiting across every applicable scope, ordered widest first
	scopeKeys := []string{
		"global",
		"service:" + service,
		"endpoint:" + rc.Endpoint,
	}
	if rc.CallerID != "" {
		scopeKeys = append(scopeKeys, "caller:"+rc.CallerID)
	}

	decision := p.limiter.Admit(rc.CallerID, scopeKeys)
	rc.RateLimitVerdict = decision.Verdict.String()
	switch decision.Verdict {
	case ratelimit.Throttled:
		p.metrics.IncrementThrottled(service)
		p.finish(w, rc, 0, gwerrors.NewRateLimitError(decision.Scope, decision.RetryAfter))
		return
	case ratelimit.Banned:
		p.metrics.IncrementThrottled(service)
		p.finish(w, rc, 0, gwerrors.NewCallerBannedError(rc.CallerID, decision.RetryAfter))
		return
	}

	// Circuit breaker verdict for the target service
	verdict := p.breakers.Allow(service)
	rc.BreakerVerdict = verdict.String()
	if verdict == breaker.Reject {
		p.metrics.IncrementRejected(service)
		p.finish(w, rc, 0, gwerrors.NewCircuitOpenError(service))
		return
	}

	// Instance selection over the healthy set
	instance, err := p.balancer.Select(service)
	if err != nil {
		// The admitted probe never reached an upstream; hand its slot
		// back so the breaker can still recover.
		if verdict == breaker.ProceedAsProbe {
			p.breakers.Release(service)
		}
		p.metrics.IncrementErrors(service)
		p.finish(w, rc, 0, err)
		return
	}
	rc.InstanceID = instance.ID

	instance.IncrementInFlight()
	defer instance.DecrementInFlight()
	instance.IncrementRequests()
	p.metrics.IncrementRequests(service)

	log.WithField("instance", instance.ID).Debug("Forwarding request to upstream")

	status, forwardErr := p.forward(w, r, rc, instance)
	elapsed := time.Since(rc.StartTime)
	p.metrics.RecordLatency(service, elapsed)

	// Feed the outcome back into the breaker; slow classification is
	// derived from the elapsed time against the breaker's config.
	outcome := domain.OutcomeSuccess
	if forwardErr != nil || status >= http.StatusInternalServerError {
		outcome = domain.OutcomeFailure
	}
	if verdict == breaker.ProceedAsProbe {
		p.breakers.RecordProbe(service, outcome, elapsed)
	} else {
		p.breakers.Record(service, outcome, elapsed)
	}

	if forwardErr != nil {
		p.metrics.IncrementErrors(service)
		p.finish(w, rc, 0, forwardErr)
		return
	}

	p.finish(w, rc, status, nil)
}

// idempotentMethods are the only methods the pipeline retries
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// forward sends the request to the chosen instance with a bounded
// timeout and bounded retries (exponential backoff) for idempotent
// methods. Retries only happen when nothing was written to the client
// yet, and stop immediately on caller cancellation.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, instance *domain.Instance) (int, error) {
	target, err := url.Parse(instance.URL)
	if err != nil {
		return 0, gwerrors.NewUpstreamError(rc.Service, instance.ID, err)
	}

	maxAttempts := 1
	if idempotentMethods[r.Method] && (r.Body == nil || r.Body == http.NoBody) {
		maxAttempts = p.config.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			rc.Retries = attempt
			backoff := p.config.RetryBackoff << (attempt - 1)
			select {
			case <-r.Context().Done():
				return 0, gwerrors.NewUpstreamTimeoutError(rc.Service, instance.ID, r.Context().Err())
			case <-time.After(backoff):
			}
		}

		status, written, attemptErr := p.forwardOnce(w, r, rc, target, instance)
		if attemptErr == nil {
			return status, nil
		}
		lastErr = attemptErr

		// A partially written response cannot be retried, and a caller
		// that went away must not generate more upstream traffic.
		if written || r.Context().Err() != nil {
			break
		}
	}

	if r.Context().Err() != nil || isTimeout(lastErr) {
		return 0, gwerrors.NewUpstreamTimeoutError(rc.Service, instance.ID, lastErr)
	}
	return 0, gwerrors.NewUpstreamError(rc.Service, instance.ID, lastErr)
}

// forwardOnce performs a single reverse-proxy attempt
func (p *Pipeline) forwardOnce(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, target *url.URL, instance *domain.Instance) (status int, written bool, err error) {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = p.transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Request-ID", rc.CorrelationID)
		req.Header.Set("X-Forwarded-By", "Gateway/1.0")
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
	}

	// Swallow the default 502 so the pipeline controls retries and the
	// synthesized failure body.
	var proxyErr error
	proxy.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, e error) {
		proxyErr = e
	}

	ctx, cancel := contextWithTimeout(r, p.config.Timeout)
	defer cancel()

	recorder := &responseRecorder{ResponseWriter: w}
	proxy.ServeHTTP(recorder, r.WithContext(ctx))

	if proxyErr != nil {
		return 0, recorder.written, proxyErr
	}
	return recorder.statusCode, recorder.written, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}

// finish emits telemetry for the request and, on error, writes the
// synthesized failure response with the correlation id attached.
func (p *Pipeline) finish(w http.ResponseWriter, rc *domain.RequestContext, status int, err error) {
	if err != nil {
		status = gwerrors.GetHTTPStatusCode(err)
		var ge *gwerrors.GatewayError
		if g, ok := err.(*gwerrors.GatewayError); ok {
			ge = g.WithCorrelationID(rc.CorrelationID)
		} else {
			ge = gwerrors.WrapError(err, gwerrors.ErrCodeInternalError, "pipeline", "request failed").WithCorrelationID(rc.CorrelationID)
		}
		middleware.WriteError(w, ge)

		p.logger.RequestLogger(rc.CorrelationID, rc.Method, rc.Endpoint, rc.RemoteAddr).
			WithError(err).
			WithField("status_code", status).
			Warn("Request failed")
	}

	p.sink.RecordRequest(telemetry.RequestEvent{
		CorrelationID:    rc.CorrelationID,
		Service:          rc.Service,
		Endpoint:         rc.Endpoint,
		CallerID:         rc.CallerID,
		Instance:         rc.InstanceID,
		RateLimitVerdict: rc.RateLimitVerdict,
		BreakerVerdict:   rc.BreakerVerdict,
		StatusCode:       status,
		Elapsed:          time.Since(rc.StartTime),
	})
}

// responseRecorder captures the status code and whether anything was
// written to the client.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
		rr.ResponseWriter.WriteHeader(code)
	}
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.WriteHeader(http.StatusOK)
	}
	return rr.ResponseWriter.Write(b)
}

// contextWithTimeout bounds a single upstream attempt
func contextWithTimeout(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), timeout)
}
