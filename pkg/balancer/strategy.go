package balancer

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/types"
)

// StrategyName identifies a selection strategy.
type StrategyName string

const (
	RoundRobin       StrategyName = "round_robin"
	LeastLoaded      StrategyName = "least_loaded"
	PerformanceBased StrategyName = "performance_based"
	WeightedCapacity StrategyName = "weighted_capacity"
	Adaptive         StrategyName = "adaptive"
)

// Strategy picks one agent from a non-empty candidate list. Candidates
// arrive pre-filtered: capability-matched, available, breaker allowing.
type Strategy interface {
	Name() StrategyName
	Pick(task *types.Task, candidates []registry.Candidate) *types.Agent
}

// NewStrategy builds the named strategy, defaulting to adaptive for
// unknown names.
func NewStrategy(name StrategyName) Strategy {
	switch name {
	case RoundRobin:
		return &roundRobin{}
	case LeastLoaded:
		return leastLoaded{}
	case PerformanceBased:
		return performanceBased{}
	case WeightedCapacity:
		return &weightedCapacity{rng: rand.New(rand.NewSource(rand.Int63()))}
	default:
		return adaptive{}
	}
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Name() StrategyName { return RoundRobin }

func (r *roundRobin) Pick(_ *types.Task, candidates []registry.Candidate) *types.Agent {
	sorted := byID(candidates)
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := sorted[r.next%len(sorted)].Agent
	r.next++
	return agent
}

type leastLoaded struct{}

func (leastLoaded) Name() StrategyName { return LeastLoaded }

func (leastLoaded) Pick(_ *types.Task, candidates []registry.Candidate) *types.Agent {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Agent.Load() < best.Agent.Load() ||
			(c.Agent.Load() == best.Agent.Load() && c.Agent.ID < best.Agent.ID) {
			best = c
		}
	}
	return best.Agent
}

type performanceBased struct{}

func (performanceBased) Name() StrategyName { return PerformanceBased }

// Pick ranks by successRate * (1/avgCompletion) * discovery weight.
// Agents without history get a neutral one-second completion time.
func (performanceBased) Pick(_ *types.Task, candidates []registry.Candidate) *types.Agent {
	best := candidates[0]
	bestScore := perfScore(best)
	for _, c := range candidates[1:] {
		score := perfScore(c)
		if score > bestScore || (score == bestScore && c.Agent.ID < best.Agent.ID) {
			best, bestScore = c, score
		}
	}
	return best.Agent
}

func perfScore(c registry.Candidate) float64 {
	perf := c.Agent.Performance
	rate := perf.SuccessRate
	if perf.CompletedTasks+perf.FailedTasks == 0 {
		rate = 1.0
	}
	avgSec := perf.AvgCompletion.Seconds()
	if avgSec <= 0 {
		avgSec = 1
	}
	return rate * (1 / avgSec) * c.Score
}

// weightedCapacity picks randomly with probability proportional to free
// slots, spreading work across the fleet instead of always saturating
// the single best agent.
type weightedCapacity struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (w *weightedCapacity) Name() StrategyName { return WeightedCapacity }

func (w *weightedCapacity) Pick(_ *types.Task, candidates []registry.Candidate) *types.Agent {
	total := 0
	for _, c := range candidates {
		total += c.Agent.Headroom()
	}
	if total == 0 {
		return leastLoaded{}.Pick(nil, candidates)
	}
	w.mu.Lock()
	n := w.rng.Intn(total)
	w.mu.Unlock()
	for _, c := range byID(candidates) {
		n -= c.Agent.Headroom()
		if n < 0 {
			return c.Agent
		}
	}
	return candidates[len(candidates)-1].Agent
}

// adaptive routes high-stakes and high-pressure work to the proven
// performers and spreads everything else by load.
type adaptive struct{}

func (adaptive) Name() StrategyName { return Adaptive }

const adaptiveLoadThreshold = 0.8

func (adaptive) Pick(task *types.Task, candidates []registry.Candidate) *types.Agent {
	if task != nil && task.BasePriority >= types.PriorityHigh {
		return performanceBased{}.Pick(task, candidates)
	}
	if globalLoad(candidates) > adaptiveLoadThreshold {
		return performanceBased{}.Pick(task, candidates)
	}
	return leastLoaded{}.Pick(task, candidates)
}

func globalLoad(candidates []registry.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range candidates {
		total += c.Agent.Load()
	}
	return total / float64(len(candidates))
}

func byID(candidates []registry.Candidate) []registry.Candidate {
	sorted := make([]registry.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Agent.ID < sorted[j].Agent.ID
	})
	return sorted
}
