package graph

import (
	"fmt"
)

// Validation thresholds. Exceeding them produces warnings, not errors.
const (
	maxFanIn       = 8
	maxChainLength = 20
)

// Report is the outcome of a full graph validation pass.
type Report struct {
	Errors   []string
	Warnings []string
	Cycles   []SCC
}

// Valid reports whether the graph passed validation without errors.
func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Validate checks structural health of the graph: cycles that remain
// closed over hard edges alone are errors; cycles that only close via
// soft or hint edges, orphaned nodes, excessive fan-in, and very long
// hard chains are warnings. The graph is never mutated.
func (g *Graph) Validate() *Report {
	report := &Report{Cycles: g.DetectCycles()}

	for _, scc := range report.Cycles {
		msg := fmt.Sprintf("dependency cycle across %v", scc.Nodes)
		if hardCycleWithin(scc) {
			report.Errors = append(report.Errors, msg)
		} else {
			report.Warnings = append(report.Warnings, msg)
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for id := range g.nodes {
		for dep := range g.adjacency[id] {
			if _, ok := g.nodes[dep]; !ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("dangling edge: %s depends on unknown %s", id, dep))
			}
		}
	}

	if len(g.nodes) > 1 {
		for id := range g.nodes {
			if len(g.adjacency[id]) == 0 && len(g.reverse[id]) == 0 {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("orphaned node: %s has no edges", id))
			}
		}
	}

	for id := range g.nodes {
		if n := len(g.adjacency[id]); n > maxFanIn {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("excessive fan-in: %s has %d dependencies", id, n))
		}
	}

	if depth := g.longestHardChain(); depth > maxChainLength {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("very long dependency chain: depth %d", depth))
	}

	return report
}

// hardCycleWithin reports whether the component stays cyclic when only
// its hard edges are considered. A component held together by soft or
// hint edges does not constrain execution order.
func hardCycleWithin(scc SCC) bool {
	inDegree := make(map[string]int, len(scc.Nodes))
	adj := make(map[string][]string, len(scc.Nodes))
	for _, e := range scc.Edges {
		if e.Strength != Hard {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []string
	for _, id := range scc.Nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, to := range adj[id] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return processed != len(scc.Nodes)
}

// longestHardChain returns the node count of the longest hard-edge chain.
// Returns 0 when hard cycles prevent ordering. Caller holds the lock.
func (g *Graph) longestHardChain() int {
	// Kahn order without the public lock-taking wrapper.
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		for _, strength := range g.adjacency[id] {
			if strength == Hard {
				inDegree[id]++
			}
		}
	}
	var queue []string
	for id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	depth := make(map[string]int, len(g.nodes))
	longest := 0
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		if depth[id] == 0 {
			depth[id] = 1
		}
		if depth[id] > longest {
			longest = depth[id]
		}
		for dependent, strength := range g.reverse[id] {
			if strength != Hard {
				continue
			}
			if depth[id]+1 > depth[dependent] {
				depth[dependent] = depth[id] + 1
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if processed != len(g.nodes) {
		return 0
	}
	return longest
}
