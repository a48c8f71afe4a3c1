package balancer

import (
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// Config holds load balancer tuning parameters.
type Config struct {
	Strategy StrategyName
	// FailureThreshold is the consecutive-failure count that opens an
	// agent's circuit breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker waits before allowing a probe.
	Cooldown time.Duration
	// OverloadThreshold and UnderloadThreshold bound the load band the
	// rebalancer considers healthy.
	OverloadThreshold  float64
	UnderloadThreshold float64
	// PreemptionEnabled permits the rebalancer to propose moving already
	// started CRITICAL work. Off by default.
	PreemptionEnabled bool
}

// DefaultConfig returns the balancer defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           Adaptive,
		FailureThreshold:   5,
		Cooldown:           60 * time.Second,
		OverloadThreshold:  0.75,
		UnderloadThreshold: 0.25,
	}
}

// Balancer selects agents for tasks, guarding every agent with a
// circuit breaker.
type Balancer struct {
	cfg      Config
	strategy Strategy
	breakers *BreakerSet
	broker   *events.Broker
}

// New creates a balancer. The broker may be nil in tests.
func New(cfg Config, clock events.Clock, broker *events.Broker) *Balancer {
	return &Balancer{
		cfg:      cfg,
		strategy: NewStrategy(cfg.Strategy),
		breakers: NewBreakerSet(cfg.FailureThreshold, cfg.Cooldown, clock),
		broker:   broker,
	}
}

// Breakers exposes the breaker set for persistence and the coordinator's
// failure feedback.
func (b *Balancer) Breakers() *BreakerSet {
	return b.breakers
}

// Pick chooses an agent for the task from the candidate list, excluding
// agents whose circuit breaker refuses work. ErrBreakerOpen is returned
// when breakers alone eliminated every candidate, ErrNoEligibleAgents
// when the list was empty to begin with.
func (b *Balancer) Pick(task *types.Task, candidates []registry.Candidate) (*types.Agent, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates for task %s", types.ErrNoEligibleAgents, task.ID)
	}
	eligible := candidates[:0:0]
	for _, c := range candidates {
		if b.breakers.Eligible(c.Agent.ID) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: all candidates for task %s", types.ErrBreakerOpen, task.ID)
	}

	// Only the chosen agent claims its breaker's probe slot; filtering
	// must not burn the single probe of candidates the strategy skips.
	// A concurrent claim can race the winner away, so drop it and pick
	// again from the rest.
	for len(eligible) > 0 {
		chosen := b.strategy.Pick(task, eligible)
		if b.breakers.Allow(chosen.ID) {
			return chosen, nil
		}
		remaining := eligible[:0:0]
		for _, c := range eligible {
			if c.Agent.ID != chosen.ID {
				remaining = append(remaining, c)
			}
		}
		eligible = remaining
	}
	return nil, fmt.Errorf("%w: all candidates for task %s", types.ErrBreakerOpen, task.ID)
}

// ReportSuccess feeds a successful task outcome into the agent's breaker.
func (b *Balancer) ReportSuccess(agentID string) {
	b.breakers.RecordSuccess(agentID)
}

// ReportFailure feeds a failed task outcome into the agent's breaker.
func (b *Balancer) ReportFailure(agentID string) {
	b.breakers.RecordFailure(agentID)
}
