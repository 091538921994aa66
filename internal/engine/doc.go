// Package engine provides the sequential job execution engine.
// It drains the queue through a single worker loop, resolves providers via
// the registry, persists every lifecycle transition to the store, and
// delivers exactly one summary notification per terminal job.
package engine
