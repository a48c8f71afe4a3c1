package graph

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// slackEpsilon is the tolerance below which a node's ES/LS difference
// counts as zero slack, placing it on the critical path.
const slackEpsilon = float64(time.Millisecond)

// TopologicalSort returns node ids in a valid linear extension of the
// hard-edge DAG using Kahn's algorithm: for every hard edge u -> v, u
// appears before v. Within a frontier, higher-priority nodes come first
// with lexical tie-breaking. Fails with ErrCycle if a hard cycle exists.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		n := 0
		for _, strength := range g.adjacency[id] {
			if strength == Hard {
				n++
			}
		}
		inDegree[id] = n
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	g.sortFrontier(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var freed []string
		for dependent, strength := range g.reverse[id] {
			if strength != Hard {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		if len(freed) > 0 {
			g.sortFrontier(freed)
			queue = append(queue, freed...)
		}
	}

	if len(sorted) != len(g.nodes) {
		return nil, fmt.Errorf("%w: ordered %d of %d nodes", types.ErrCycle, len(sorted), len(g.nodes))
	}
	return sorted, nil
}

// PathTiming holds the critical-path method results for one node.
type PathTiming struct {
	EarlyStart  time.Duration
	EarlyFinish time.Duration
	LateStart   time.Duration
	LateFinish  time.Duration
}

// Slack is the scheduling freedom of the node; zero slack puts it on the
// critical path.
func (t PathTiming) Slack() time.Duration {
	return t.LateStart - t.EarlyStart
}

// CriticalPathResult is the output of the critical-path method over the
// hard-edge DAG.
type CriticalPathResult struct {
	// Duration is the project finish time: the maximum early finish.
	Duration time.Duration
	// Critical lists zero-slack node ids in topological order.
	Critical []string
	// Bottlenecks are critical nodes whose effort exceeds 1.5x the mean.
	Bottlenecks []string
	Timings     map[string]PathTiming
}

// CriticalPath runs the forward/backward pass of the critical-path
// method. Requires the hard-edge graph to be acyclic.
func (g *Graph) CriticalPath() (*CriticalPathResult, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	timings := make(map[string]PathTiming, len(order))

	// Forward pass: ES(n) = max EF(pred), EF(n) = ES(n) + effort(n).
	var finish time.Duration
	for _, id := range order {
		var es time.Duration
		for dep, strength := range g.adjacency[id] {
			if strength != Hard {
				continue
			}
			if ef := timings[dep].EarlyFinish; ef > es {
				es = ef
			}
		}
		ef := es + g.nodes[id].Effort
		timings[id] = PathTiming{EarlyStart: es, EarlyFinish: ef}
		if ef > finish {
			finish = ef
		}
	}

	// Backward pass: LF(n) = min LS(succ) or project finish, LS = LF - effort.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		lf := finish
		for dependent, strength := range g.reverse[id] {
			if strength != Hard {
				continue
			}
			if ls := timings[dependent].LateStart; ls < lf {
				lf = ls
			}
		}
		t := timings[id]
		t.LateFinish = lf
		t.LateStart = lf - g.nodes[id].Effort
		timings[id] = t
	}

	var critical []string
	var totalEffort time.Duration
	for _, id := range order {
		totalEffort += g.nodes[id].Effort
		if math.Abs(float64(timings[id].Slack())) < slackEpsilon {
			critical = append(critical, id)
		}
	}

	var bottlenecks []string
	if len(order) > 0 {
		avg := float64(totalEffort) / float64(len(order))
		for _, id := range critical {
			if float64(g.nodes[id].Effort) > 1.5*avg {
				bottlenecks = append(bottlenecks, id)
			}
		}
	}

	return &CriticalPathResult{
		Duration:    finish,
		Critical:    critical,
		Bottlenecks: bottlenecks,
		Timings:     timings,
	}, nil
}

// ParallelGroups partitions nodes into BFS levels over the hard-edge DAG.
// level(n) = 1 + max(level(hard predecessors)); nodes in the same group
// are safe to run concurrently. Groups come back in level order with
// members sorted lexically.
func (g *Graph) ParallelGroups() ([][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		l := 1
		for dep, strength := range g.adjacency[id] {
			if strength != Hard {
				continue
			}
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	groups := make([][]string, maxLevel)
	for id, l := range level {
		groups[l-1] = append(groups[l-1], id)
	}
	for _, group := range groups {
		sort.Strings(group)
	}
	return groups, nil
}
