package registry

import (
	"sort"

	"github.com/droverhq/drover/pkg/types"
)

// Query describes the agents a caller is looking for.
type Query struct {
	RequiredCapabilities  []string
	PreferredCapabilities []string
	Exclude               []string
	Prefer                []string
	// AvailableOnly restricts results to agents that can accept work
	// right now.
	AvailableOnly bool
}

// Candidate is one ranked discovery result.
type Candidate struct {
	Agent *types.Agent
	Score float64
}

// Discover returns agents matching the query ranked by a weighted score
// of capability match, headroom, historical success rate, and heartbeat
// recency. Agents missing a required capability are never returned.
func (r *Registry) Discover(q Query) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	preferred := make(map[string]bool, len(q.Prefer))
	for _, id := range q.Prefer {
		preferred[id] = true
	}

	// Narrow by capability index when a required capability is given.
	var pool []*types.Agent
	if len(q.RequiredCapabilities) > 0 {
		for id := range r.byCap[q.RequiredCapabilities[0]] {
			pool = append(pool, r.agents[id])
		}
	} else {
		for _, a := range r.agents {
			pool = append(pool, a)
		}
	}

	var candidates []Candidate
	for _, agent := range pool {
		if excluded[agent.ID] {
			continue
		}
		if agent.Status == types.AgentOffline || agent.Status == types.AgentTerminated {
			continue
		}
		if !agent.HasCapabilities(q.RequiredCapabilities) {
			continue
		}
		if q.AvailableOnly && !agent.Available() {
			continue
		}

		score := r.scoreLocked(agent, q)
		if preferred[agent.ID] {
			score += 0.5
		}
		candidates = append(candidates, Candidate{Agent: agent, Score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Agent.ID < candidates[j].Agent.ID
	})
	return candidates
}

// scoreLocked combines the ranking factors under the configured weights.
// Caller holds the lock.
func (r *Registry) scoreLocked(agent *types.Agent, q Query) float64 {
	capScore := 1.0
	if len(q.PreferredCapabilities) > 0 {
		matched := 0
		for _, cap := range q.PreferredCapabilities {
			if agent.HasCapabilities([]string{cap}) {
				matched++
			}
		}
		capScore = float64(matched) / float64(len(q.PreferredCapabilities))
	}

	headroom := 1.0 - agent.Load()

	recency := 0.0
	silence := r.clock.Since(agent.LastHeartbeat)
	if silence < r.cfg.HeartbeatTimeout {
		recency = 1.0 - float64(silence)/float64(r.cfg.HeartbeatTimeout)
	}

	return r.cfg.CapabilityWeight*capScore +
		r.cfg.HeadroomWeight*headroom +
		r.cfg.SuccessWeight*agent.Performance.SuccessRate +
		r.cfg.RecencyWeight*recency
}
