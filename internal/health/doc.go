// Package health provides composable health check probes, the health-style
// readiness reporter, and HTTP handlers for liveness and readiness endpoints.
//
// [RegistryProbe] turns every registered readiness reporter into a [Probe]
// and combines them with [All]; [Fixed] and [CheckFunc] cover the static and
// ad hoc cases.
//
// [ShutdownCheck] reports UP until the shutdown coordinator marks it not
// ready, after which readiness probes fail immediately so load balancers stop
// sending traffic before in-flight requests are drained.
package health
