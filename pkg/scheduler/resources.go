package scheduler

import (
	"sync"
)

// resourcePool tracks per-tag resource usage. A task consumes one unit of
// every tag it declares while assigned or in progress. Tags without a
// configured capacity are unlimited.
type resourcePool struct {
	mu       sync.Mutex
	capacity map[string]int
	used     map[string]int
}

func newResourcePool(capacity map[string]int) *resourcePool {
	cap := make(map[string]int, len(capacity))
	for tag, n := range capacity {
		cap[tag] = n
	}
	return &resourcePool{
		capacity: cap,
		used:     make(map[string]int),
	}
}

// fits reports whether every tag has a free unit.
func (p *resourcePool) fits(tags []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fitsLocked(tags)
}

func (p *resourcePool) fitsLocked(tags []string) bool {
	for _, tag := range tags {
		limit, capped := p.capacity[tag]
		if capped && p.used[tag]+1 > limit {
			return false
		}
	}
	return true
}

// reserve takes one unit of every tag; returns false without side
// effects when any tag is exhausted.
func (p *resourcePool) reserve(tags []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fitsLocked(tags) {
		return false
	}
	for _, tag := range tags {
		p.used[tag]++
	}
	return true
}

// release returns one unit of every tag.
func (p *resourcePool) release(tags []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tag := range tags {
		if p.used[tag] > 0 {
			p.used[tag]--
		}
	}
}

// contention returns the mean utilization of the given tags in [0,1].
// Unlimited tags contribute zero.
func (p *resourcePool) contention(tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0.0
	for _, tag := range tags {
		limit, capped := p.capacity[tag]
		if capped && limit > 0 {
			total += float64(p.used[tag]) / float64(limit)
		}
	}
	return total / float64(len(tags))
}

// load returns the overall utilization across all capped tags in [0,1].
func (p *resourcePool) load() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.capacity) == 0 {
		return 0
	}
	total := 0.0
	for tag, limit := range p.capacity {
		if limit > 0 {
			total += float64(p.used[tag]) / float64(limit)
		}
	}
	return total / float64(len(p.capacity))
}
