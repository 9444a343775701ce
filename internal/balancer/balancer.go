package balancer

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/internal/errors"
	"github.com/mir00r/api-gateway/pkg/logger"
)

// Strategy selects one instance from the healthy set
type Strategy interface {
	Select(instances []*domain.Instance) *domain.Instance
	Name() string
}

// Balancer picks a target instance per accepted request, per service.
// The service mapping is fixed at startup; only the health flags of
// instances change at runtime, and unhealthy instances are never
// selected.
type Balancer struct {
	services map[string]*serviceBalancer
	logger   *logger.Logger
}

type serviceBalancer struct {
	upstream *domain.Upstream
	strategy Strategy
}

// New creates a balancer for the configured upstreams
func New(upstreams []*domain.Upstream, strategies map[string]domain.BalancingStrategy, log *logger.Logger) (*Balancer, error) {
	b := &Balancer{
		services: make(map[string]*serviceBalancer, len(upstreams)),
		logger:   log,
	}
	for _, u := range upstreams {
		strategy, err := newStrategy(strategies[u.Name])
		if err != nil {
			return nil, fmt.Errorf("upstream '%s': %w", u.Name, err)
		}
		b.services[u.Name] = &serviceBalancer{
			upstream: u,
			strategy: strategy,
		}
	}
	return b, nil
}

func newStrategy(s domain.BalancingStrategy) (Strategy, error) {
	switch s {
	case domain.RoundRobinStrategy, "":
		return &roundRobin{}, nil
	case domain.WeightedRoundRobinStrategy:
		return &weightedRoundRobin{current: make(map[string]int)}, nil
	case domain.LeastConnectionsStrategy:
		return &leastConnections{}, nil
	default:
		return nil, fmt.Errorf("unsupported balancing strategy: %s", s)
	}
}

// Select returns the next target instance for the named service, or a
// NoHealthyInstance error when every instance is marked unhealthy.
func (b *Balancer) Select(service string) (*domain.Instance, error) {
	sb, ok := b.services[service]
	if !ok {
		return nil, errors.NewNoHealthyInstanceError(service)
	}

	healthy := sb.upstream.HealthyInstances()
	if len(healthy) == 0 {
		return nil, errors.NewNoHealthyInstanceError(service)
	}

	selected := sb.strategy.Select(healthy)
	if selected == nil {
		return nil, errors.NewNoHealthyInstanceError(service)
	}
	return selected, nil
}

// Upstream returns the configured upstream for a service
func (b *Balancer) Upstream(service string) (*domain.Upstream, bool) {
	sb, ok := b.services[service]
	if !ok {
		return nil, false
	}
	return sb.upstream, true
}

// Services returns the configured service names in sorted order
func (b *Balancer) Services() []string {
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyName reports the configured strategy for the status API
func (b *Balancer) StrategyName(service string) string {
	sb, ok := b.services[service]
	if !ok {
		return ""
	}
	return sb.strategy.Name()
}

// roundRobin cycles through the healthy instances in order
type roundRobin struct {
	index uint64
}

func (s *roundRobin) Select(instances []*domain.Instance) *domain.Instance {
	next := atomic.AddUint64(&s.index, 1)
	return instances[(next-1)%uint64(len(instances))]
}

func (s *roundRobin) Name() string { return string(domain.RoundRobinStrategy) }

// weightedRoundRobin implements smooth weighted round robin: each pick
// raises every instance's current weight by its configured weight, takes
// the highest, and lowers the winner by the total.
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

func (s *weightedRoundRobin) Select(instances []*domain.Instance) *domain.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, inst := range instances {
		s.current[inst.ID] += inst.Weight
		total += inst.Weight
	}
	if total == 0 {
		return instances[0]
	}

	var selected *domain.Instance
	best := 0
	for _, inst := range instances {
		if selected == nil || s.current[inst.ID] > best {
			best = s.current[inst.ID]
			selected = inst
		}
	}
	s.current[selected.ID] -= total
	return selected
}

func (s *weightedRoundRobin) Name() string { return string(domain.WeightedRoundRobinStrategy) }

// leastConnections selects the healthy instance with the fewest
// in-flight requests; ties are broken round-robin.
type leastConnections struct {
	rr uint64
}

func (s *leastConnections) Select(instances []*domain.Instance) *domain.Instance {
	min := instances[0].GetInFlight()
	for _, inst := range instances[1:] {
		if n := inst.GetInFlight(); n < min {
			min = n
		}
	}

	tied := make([]*domain.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.GetInFlight() == min {
			tied = append(tied, inst)
		}
	}

	next := atomic.AddUint64(&s.rr, 1)
	return tied[(next-1)%uint64(len(tied))]
}

func (s *leastConnections) Name() string { return string(domain.LeastConnectionsStrategy) }
