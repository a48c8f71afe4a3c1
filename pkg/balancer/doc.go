// Package balancer distributes tasks across agents.
//
// A pluggable strategy (round-robin, least-loaded, performance-based,
// weighted-capacity, or adaptive) picks from discovery candidates, a
// per-agent circuit breaker shields failing agents from further work,
// and the rebalancer proposes moving queued assignments off overloaded
// agents.
package balancer
