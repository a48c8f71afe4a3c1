/*
Package api exposes the orchestration core over HTTP.

The server wraps a coordinator.System and publishes JSON endpoints for
task submission, agent registration, health monitoring, and aggregate
status. Prometheus metrics are mounted on the same mux under /metrics,
and /health and /ready provide the usual liveness and readiness probes.

Errors are mapped onto HTTP status codes through types.Kind, so a
duplicate task submission returns 409 and an unknown task 404 without
handlers inspecting error text.

A ReadOnlyHandler variant rejects every mutating method, for listeners
exposed beyond the operator boundary.
*/
package api
