package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Strength classifies how strongly an edge constrains execution order.
// Only hard edges gate readiness; soft edges advise ordering and hint
// edges are informational.
type Strength int

const (
	Hint Strength = iota
	Soft
	Hard
)

// String returns the lowercase strength name.
func (s Strength) String() string {
	switch s {
	case Hard:
		return "hard"
	case Soft:
		return "soft"
	default:
		return "hint"
	}
}

// BreakCost is the cost of removing an edge of this strength when
// breaking a cycle.
func (s Strength) BreakCost() int {
	switch s {
	case Hard:
		return 10
	case Soft:
		return 5
	default:
		return 1
	}
}

// Node is a task's representation inside the dependency graph.
type Node struct {
	ID       string
	Effort   time.Duration
	Priority types.Priority
}

// Edge is a directed dependency: To depends on From, so From must
// complete first (for hard edges).
type Edge struct {
	From     string
	To       string
	Strength Strength
}

// Graph stores the labeled task dependency graph. The hard-edge subgraph
// is kept acyclic at all times: mutations that would introduce a hard
// cycle are rejected atomically.
//
// Adjacency maps node id to its dependency set; reverse maps node id to
// its dependent set. Reverse edges are derived on mutation, never stored
// by callers.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	adjacency map[string]map[string]Strength // node -> dependency -> strength
	reverse   map[string]map[string]Strength // node -> dependent -> strength
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*Node),
		adjacency: make(map[string]map[string]Strength),
		reverse:   make(map[string]map[string]Strength),
	}
}

// AddNode adds a node. Returns a conflict error if the id already exists.
func (g *Graph) AddNode(id string, effort time.Duration, priority types.Priority) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, id)
	}
	g.nodes[id] = &Node{ID: id, Effort: effort, Priority: priority}
	g.adjacency[id] = make(map[string]Strength)
	g.reverse[id] = make(map[string]Strength)
	return nil
}

// AddEdge declares that `to` depends on `from` with the given strength.
// Both nodes must exist. A hard edge that would close a hard cycle is
// rejected with a CycleError naming the cycle, leaving the graph
// untouched.
func (g *Graph) AddEdge(from, to string, strength Strength) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to {
		return fmt.Errorf("%w: %s", types.ErrSelfDependency, from)
	}
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownDependency, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownDependency, to)
	}
	if existing, ok := g.adjacency[to][from]; ok && existing == strength {
		return nil
	}
	if strength == Hard {
		if path := g.hardPath(from, to); path != nil {
			// from transitively depends on to; adding to->from closes
			// the loop. Report the full cycle.
			cycle := append([]string{to}, path...)
			return &types.CycleError{Path: cycle}
		}
	}
	g.adjacency[to][from] = strength
	g.reverse[from][to] = strength
	return nil
}

// RemoveNode removes a node and all its edges.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
	}
	for dep := range g.adjacency[id] {
		delete(g.reverse[dep], id)
	}
	delete(g.adjacency, id)

	for dependent := range g.reverse[id] {
		delete(g.adjacency[dependent], id)
	}
	delete(g.reverse, id)

	delete(g.nodes, id)
	return nil
}

// RemoveEdge deletes the dependency of `to` on `from`.
func (g *Graph) RemoveEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.adjacency[to][from]; !ok {
		return fmt.Errorf("%w: edge %s -> %s", types.ErrUnknownDependency, from, to)
	}
	delete(g.adjacency[to], from)
	delete(g.reverse[from], to)
	return nil
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Nodes returns all node ids sorted lexically.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns every edge in the graph.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for to, deps := range g.adjacency {
		for from, strength := range deps {
			edges = append(edges, Edge{From: from, To: to, Strength: strength})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// Dependencies returns the ids this node depends on, optionally
// restricted to hard edges.
func (g *Graph) Dependencies(id string, hardOnly bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.adjacency[id], hardOnly)
}

// Dependents returns the ids that depend on this node, optionally
// restricted to hard edges.
func (g *Graph) Dependents(id string, hardOnly bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.reverse[id], hardOnly)
}

// TransitiveDependents returns every node reachable from id over reverse
// hard edges. Used by the scheduler's dependency-impact factor.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep, strength := range g.reverse[cur] {
			if strength != Hard || visited[dep] {
				continue
			}
			visited[dep] = true
			queue = append(queue, dep)
		}
	}
	result := make([]string, 0, len(visited))
	for v := range visited {
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

// Ready returns node ids whose hard dependencies are all in done,
// excluding nodes already in done.
func (g *Graph) Ready(done map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if done[id] {
			continue
		}
		met := true
		for dep, strength := range g.adjacency[id] {
			if strength == Hard && !done[dep] {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// hardPath returns the node path from src to dst over hard dependency
// edges (src first, dst last), or nil when no path exists. Caller holds
// the lock.
func (g *Graph) hardPath(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	parent := make(map[string]string)
	visited := map[string]bool{src: true}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep, strength := range g.adjacency[cur] {
			if strength != Hard || visited[dep] {
				continue
			}
			visited[dep] = true
			parent[dep] = cur
			if dep == dst {
				return tracePath(parent, src, dst)
			}
			queue = append(queue, dep)
		}
	}
	return nil
}

func tracePath(parent map[string]string, src, dst string) []string {
	path := []string{dst}
	for cur := dst; cur != src; {
		cur = parent[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// sortFrontier orders a Kahn frontier by priority descending with
// lexical id tie-breaking. Caller holds the lock.
func (g *Graph) sortFrontier(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi := g.nodes[ids[i]].Priority
		pj := g.nodes[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

func sortedKeys(m map[string]Strength, hardOnly bool) []string {
	result := make([]string, 0, len(m))
	for id, strength := range m {
		if hardOnly && strength != Hard {
			continue
		}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
