// Package engine implements the declarative reconciliation core of
// Stackform: resource model, dependency graph construction, plan
// computation, and wave-ordered execution.
//
// The flow for one run is Plan -> Apply. Planning validates resources
// against their kind schemas, snapshots recorded state, builds the
// dependency graph (explicit hints plus inferred references), detects
// cycles, classifies a verb per resource, and orders actions into waves
// of mutually independent work. Applying walks the waves with a bounded
// worker pool, retries transient provider errors with exponential
// backoff, skips the dependency subtree of permanent failures, and
// persists recorded state one resource at a time so partial progress
// survives a crash.
//
// The package depends only on provider and state-store interfaces;
// concrete back-ends live in pkg/providers and pkg/stores.
package engine
