package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober issues a single liveness check against an instance
type Prober interface {
	Probe(ctx context.Context, instance *domain.Instance) error
	Close() error
}

// Record is the monitor's current verdict on one instance
type Record struct {
	Service              string    `json:"service"`
	Instance             string    `json:"instance"`
	LastProbe            time.Time `json:"last_probe"`
	LastResult           string    `json:"last_result"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	Eligible             bool      `json:"eligible"`
}

// target is one instance under observation
type target struct {
	service  string
	instance *domain.Instance
	config   domain.HealthCheckConfig
	prober   Prober

	mu     sync.Mutex
	record Record
}

// Monitor runs a background probe loop per upstream instance. An
// instance is marked unhealthy after UnhealthyThreshold consecutive
// probe failures and restored after HealthyThreshold consecutive
// successes; transitions flip the instance's traffic flag immediately
// and are pushed as outcomes into the upstream's circuit breaker.
type Monitor struct {
	targets  []*target
	breakers *breaker.Manager
	sink     telemetry.Sink
	logger   *logger.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewMonitor creates a monitor for every instance of every upstream
func NewMonitor(upstreams []*domain.Upstream, configs map[string]domain.HealthCheckConfig, breakers *breaker.Manager, sink telemetry.Sink, log *logger.Logger) *Monitor {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	m := &Monitor{
		breakers: breakers,
		sink:     sink,
		logger:   log.HealthCheckLogger(),
		stopChan: make(chan struct{}),
	}

	for _, u := range upstreams {
		cfg := configs[u.Name]
		if !cfg.Enabled {
			continue
		}
		for _, inst := range u.Instances {
			m.targets = append(m.targets, &target{
				service:  u.Name,
				instance: inst,
				config:   cfg,
				prober:   newProber(cfg),
				record: Record{
					Service:  u.Name,
					Instance: inst.ID,
					Eligible: true,
				},
			})
		}
	}

	return m
}

func newProber(cfg domain.HealthCheckConfig) Prober {
	if cfg.Protocol == "grpc" {
		return newGRPCProber()
	}
	return newHTTPProber(cfg)
}

// Start launches one probe loop per instance
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("health monitor is already running")
	}
	m.isRunning = true

	m.logger.Infof("Starting health monitor for %d instances", len(m.targets))

	for _, t := range m.targets {
		m.wg.Add(1)
		go m.probeLoop(ctx, t)
	}
	return nil
}

// Stop halts all probe loops and waits for them to finish
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return nil
	}

	close(m.stopChan)
	m.wg.Wait()
	m.isRunning = false
	m.stopChan = make(chan struct{})

	for _, t := range m.targets {
		t.prober.Close()
	}

	m.logger.Info("Health monitor stopped")
	return nil
}

// probeLoop runs the periodic check for one instance. It never blocks
// request handling; all state it shares is behind the target lock or
// the instance's atomic status flag.
func (m *Monitor) probeLoop(ctx context.Context, t *target) {
	defer m.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	log := m.logger.UpstreamLogger(t.service, t.instance.ID)
	log.Debug("Starting health probe loop")

	m.probeOnce(ctx, t)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.probeOnce(ctx, t)
		}
	}
}

// probeOnce issues one probe and applies hysteresis
func (m *Monitor) probeOnce(ctx context.Context, t *target) {
	probeCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	start := time.Now()
	err := t.prober.Probe(probeCtx, t.instance)
	elapsed := time.Since(start)

	// Probe results count as call outcomes for the upstream's breaker,
	// so repeated probe failures can open it with zero live traffic.
	if m.breakers != nil {
		outcome := domain.OutcomeSuccess
		if err != nil {
			outcome = domain.OutcomeFailure
		}
		m.breakers.Record(t.service, outcome, elapsed)
	}

	t.mu.Lock()
	t.record.LastProbe = start
	if err != nil {
		t.record.LastResult = err.Error()
		t.record.ConsecutiveFailures++
		t.record.ConsecutiveSuccesses = 0
	} else {
		t.record.LastResult = "ok"
		t.record.ConsecutiveSuccesses++
		t.record.ConsecutiveFailures = 0
	}

	var flipped bool
	var nowEligible bool
	if t.record.Eligible && t.record.ConsecutiveFailures >= t.config.UnhealthyThreshold {
		t.record.Eligible = false
		flipped = true
		nowEligible = false
	} else if !t.record.Eligible && t.record.ConsecutiveSuccesses >= t.config.HealthyThreshold {
		t.record.Eligible = true
		flipped = true
		nowEligible = true
	}
	t.mu.Unlock()

	log := m.logger.UpstreamLogger(t.service, t.instance.ID)
	if err != nil {
		log.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Debug("Health probe failed")
	} else {
		log.WithField("duration_ms", elapsed.Milliseconds()).Debug("Health probe succeeded")
	}

	if flipped {
		if nowEligible {
			t.instance.SetStatus(domain.StatusHealthy)
			log.Info("Instance recovered and marked as healthy")
		} else {
			t.instance.SetStatus(domain.StatusUnhealthy)
			log.Warn("Instance marked as unhealthy due to repeated probe failures")
		}
		m.sink.RecordHealthChange(telemetry.HealthEvent{
			Service:   t.service,
			Instance:  t.instance.ID,
			Healthy:   nowEligible,
			Timestamp: time.Now(),
		})
	}
}

// Records returns a snapshot of every instance's health record
func (m *Monitor) Records() []Record {
	out := make([]Record, 0, len(m.targets))
	for _, t := range m.targets {
		t.mu.Lock()
		out = append(out, t.record)
		t.mu.Unlock()
	}
	return out
}

// IsRunning reports whether the probe loops are active
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// httpProber checks liveness with a GET against the configured path
type httpProber struct {
	client *http.Client
	path   string
}

func newHTTPProber(cfg domain.HealthCheckConfig) *httpProber {
	return &httpProber{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
		path: cfg.Path,
	}
}

func (p *httpProber) Probe(ctx context.Context, instance *domain.Instance) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.URL+p.path, nil)
	if err != nil {
		return fmt.Errorf("failed to create health probe request: %w", err)
	}
	req.Header.Set("User-Agent", "Gateway-HealthMonitor/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *httpProber) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// grpcProber checks liveness via the standard gRPC health service
type grpcProber struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newGRPCProber() *grpcProber {
	return &grpcProber{conns: make(map[string]*grpc.ClientConn)}
}

func (p *grpcProber) conn(instance *domain.Instance) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[instance.ID]; ok {
		return conn, nil
	}

	target := instance.URL
	if u, err := url.Parse(instance.URL); err == nil && u.Host != "" {
		target = u.Host
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	p.conns[instance.ID] = conn
	return conn, nil
}

func (p *grpcProber) Probe(ctx context.Context, instance *domain.Instance) error {
	conn, err := p.conn(instance)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("grpc health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (p *grpcProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = make(map[string]*grpc.ClientConn)
	return nil
}
