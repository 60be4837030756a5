// Package readiness defines the capability every readiness reporter shares and
// the registry the shutdown coordinator discovers reporters through.
//
// A [Reporter] can be told ready / not ready and queried for its current
// [State]. Concrete reporters (health-style, REST, gRPC) embed a [Tracker],
// which keeps the state behind an atomic pointer so probe handlers on other
// goroutines always observe the latest write without locking.
//
// Reporters are registered explicitly with a [Registry] at construction time;
// there is no reflective discovery.
package readiness
