package domain

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"
)

// InstanceStatus represents the health status of an upstream instance
type InstanceStatus int

const (
	// StatusHealthy indicates the instance is eligible for traffic
	StatusHealthy InstanceStatus = iota
	// StatusUnhealthy indicates the instance should not receive traffic
	StatusUnhealthy
)

// String returns the string representation of InstanceStatus
func (s InstanceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Instance represents a single addressable copy of an upstream service
type Instance struct {
	ID     string `json:"id" yaml:"id"`
	URL    string `json:"url" yaml:"url"`
	Weight int    `json:"weight" yaml:"weight"`

	// Runtime state - thread-safe using atomic operations
	inFlight      int64
	totalRequests int64
	status        int32
}

// NewInstance creates a new Instance with default values
func NewInstance(id, url string, weight int) *Instance {
	if weight <= 0 {
		weight = 1
	}
	return &Instance{
		ID:     id,
		URL:    url,
		Weight: weight,
		status: int32(StatusHealthy),
	}
}

// IncrementInFlight atomically increments the in-flight request count
func (i *Instance) IncrementInFlight() {
	atomic.AddInt64(&i.inFlight, 1)
}

// DecrementInFlight atomically decrements the in-flight request count
func (i *Instance) DecrementInFlight() {
	atomic.AddInt64(&i.inFlight, -1)
}

// GetInFlight returns the current number of in-flight requests
func (i *Instance) GetInFlight() int64 {
	return atomic.LoadInt64(&i.inFlight)
}

// IncrementRequests atomically increments the total request count
func (i *Instance) IncrementRequests() {
	atomic.AddInt64(&i.totalRequests, 1)
}

// GetTotalRequests returns the total number of requests dispatched
func (i *Instance) GetTotalRequests() int64 {
	return atomic.LoadInt64(&i.totalRequests)
}

// SetStatus updates the instance status
func (i *Instance) SetStatus(status InstanceStatus) {
	atomic.StoreInt32(&i.status, int32(status))
}

// GetStatus returns the current instance status
func (i *Instance) GetStatus() InstanceStatus {
	return InstanceStatus(atomic.LoadInt32(&i.status))
}

// IsHealthy returns true if the instance is eligible for traffic
func (i *Instance) IsHealthy() bool {
	return i.GetStatus() == StatusHealthy
}

// Upstream represents a named backend service the gateway forwards to.
// Identity and instance set are fixed at startup; only instance health
// flags change at runtime.
type Upstream struct {
	Name      string      `json:"name" yaml:"name"`
	Instances []*Instance `json:"instances" yaml:"instances"`
}

// HealthyInstances returns the instances currently eligible for traffic
func (u *Upstream) HealthyInstances() []*Instance {
	healthy := make([]*Instance, 0, len(u.Instances))
	for _, inst := range u.Instances {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Outcome classifies the result of a single upstream call
type Outcome int

const (
	// OutcomeSuccess indicates the call completed normally
	OutcomeSuccess Outcome = iota
	// OutcomeFailure indicates the call failed or returned a server error
	OutcomeFailure
	// OutcomeSlow indicates the call succeeded but exceeded the slow-call duration
	OutcomeSlow
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// BalancingStrategy selects how instances are picked for a service
type BalancingStrategy string

const (
	// RoundRobinStrategy distributes requests evenly across instances
	RoundRobinStrategy BalancingStrategy = "round_robin"
	// WeightedRoundRobinStrategy considers instance weights for distribution
	WeightedRoundRobinStrategy BalancingStrategy = "weighted_round_robin"
	// LeastConnectionsStrategy routes to the instance with fewest in-flight requests
	LeastConnectionsStrategy BalancingStrategy = "least_connections"
)

// BreakerConfig defines per-upstream circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold      int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold      int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout               time.Duration `json:"timeout" yaml:"timeout"`
	WindowSize            int           `json:"window_size" yaml:"window_size"`
	FailureRateThreshold  float64       `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	MinimumCalls          int           `json:"minimum_calls" yaml:"minimum_calls"`
	SlowCallDuration      time.Duration `json:"slow_call_duration" yaml:"slow_call_duration"`
	SlowCallRateThreshold float64       `json:"slow_call_rate_threshold" yaml:"slow_call_rate_threshold"`
	ProbeLimit            int           `json:"probe_limit" yaml:"probe_limit"`
}

// HealthCheckConfig defines configuration for health checking
type HealthCheckConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	Path               string        `json:"path" yaml:"path"`
	Protocol           string        `json:"protocol" yaml:"protocol"` // http or grpc
}

// RequestContext carries per-request state through the pipeline,
// including the decision trail used for telemetry.
type RequestContext struct {
	CorrelationID string
	Service       string
	Endpoint      string
	CallerID      string
	RemoteAddr    string
	Method        string
	StartTime     time.Time

	// Decision trail
	RateLimitVerdict string
	BreakerVerdict   string
	InstanceID       string
	Retries          int
}

// NewRequestContext creates a new RequestContext from an HTTP request,
// propagating an inbound correlation id when one is present.
func NewRequestContext(r *http.Request) *RequestContext {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = generateCorrelationID()
	}
	return &RequestContext{
		CorrelationID: id,
		Endpoint:      r.URL.Path,
		RemoteAddr:    r.RemoteAddr,
		Method:        r.Method,
		StartTime:     time.Now(),
	}
}

// generateCorrelationID generates a unique correlation id
func generateCorrelationID() string {
	return fmt.Sprintf("%s-%04x", time.Now().Format("20060102150405.000"), rand.Intn(65536))
}
