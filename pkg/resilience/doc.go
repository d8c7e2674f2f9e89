// Package resilience provides application-level failure handling for
// long-running services: per-service circuit breakers with automatic
// recovery, periodic health monitoring, fallback routing for degraded
// operation, and a system-wide graceful degradation controller.
//
// The four components compose through NewSystem, which wires the degradation
// controller as an observer of the recovery manager and the fallback manager
// as the activator for failed optional services. Each component is also
// usable on its own.
package resilience
