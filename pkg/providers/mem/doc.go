// Package mem implements an in-memory provider. It backs local
// development, the dev loop, and the engine's own tests: resources are
// plain objects in a map, external identifiers are UUIDs, and hooks
// allow failure injection per operation.
package mem
