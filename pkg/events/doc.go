/*
Package events provides the in-process publish/subscribe bus and the clock
abstraction used by every periodic loop in the core.

The Broker fans events out to subscriber channels through a buffered
central queue. Broadcast is non-blocking: a subscriber whose buffer is
full misses the event instead of stalling the bus, so delivery is
at-least-once only toward subscribers that keep draining. Event emissions
for a single task are published in transition order; across tasks the bus
gives no ordering guarantee.

Subsystem and handler failures never crash the bus. They are surfaced as
internal_error events on the dedicated channel returned by Errors.

The Clock interface decouples time from the host. Production code uses
SystemClock; tests drive ManualClock to make starvation boosts, breaker
cooldowns, and SLA windows deterministic.
*/
package events
