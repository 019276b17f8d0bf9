// Package stores provides state store back-ends implementing
// engine.StateStore: a local JSON file store with atomic writes and a
// lock file, and a SQLite store with an advisory lock table.
package stores
