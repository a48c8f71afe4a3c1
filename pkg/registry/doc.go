/*
Package registry maintains the set of known agents, indexed by id and by
capability, and tracks their liveness.

Registration is idempotent: registering an existing id updates its
capabilities and capacity and refreshes liveness. Agents that miss the
heartbeat window are marked offline by a periodic sweep but remain
registered until an explicit Unregister.

Discover ranks matching agents by a weighted combination of capability
match, headroom (1 - currentTasks/maxConcurrent), historical success
rate, and heartbeat recency. Agents missing a required capability or
sitting offline are never returned.
*/
package registry
