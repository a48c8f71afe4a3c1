package graph

import (
	"sort"
)

// SCC is a strongly connected component of size >= 2, i.e. a dependency
// cycle involving edges of any strength.
type SCC struct {
	Nodes []string
	Edges []Edge
	// BreakingPoints lists candidate edges to remove, cheapest first
	// (hint=1, soft=5, hard=10).
	BreakingPoints []BreakingPoint
}

// BreakingPoint is a candidate edge whose removal helps break a cycle.
type BreakingPoint struct {
	Edge Edge
	Cost int
}

// DetectCycles finds all strongly connected components of size >= 2
// using Tarjan's algorithm over edges of every strength. Runs in O(V+E).
func (g *Graph) DetectCycles() []SCC {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t := &tarjanState{
		graph:   g,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, seen := t.index[id]; !seen {
			t.strongConnect(id)
		}
	}

	var result []SCC
	for _, component := range t.components {
		if len(component) < 2 {
			continue
		}
		result = append(result, g.describeSCC(component))
	}
	return result
}

type tarjanState struct {
	graph      *Graph
	counter    int
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjanState) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for w := range t.graph.adjacency[v] {
		if _, seen := t.index[w]; !seen {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var component []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, component)
	}
}

// describeSCC collects the member nodes, internal edges, and ranked
// breaking points of a component. Caller holds the lock.
func (g *Graph) describeSCC(component []string) SCC {
	member := make(map[string]bool, len(component))
	for _, id := range component {
		member[id] = true
	}

	nodes := append([]string(nil), component...)
	sort.Strings(nodes)

	var edges []Edge
	for _, to := range nodes {
		for from, strength := range g.adjacency[to] {
			if member[from] {
				edges = append(edges, Edge{From: from, To: to, Strength: strength})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	points := make([]BreakingPoint, 0, len(edges))
	for _, e := range edges {
		points = append(points, BreakingPoint{Edge: e, Cost: e.Strength.BreakCost()})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Cost < points[j].Cost
	})

	return SCC{Nodes: nodes, Edges: edges, BreakingPoints: points}
}
