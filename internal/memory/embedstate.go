// Package memory implements the knowledge memory pipeline: extract facts
// from a turn, decide ADD/UPDATE/DELETE/NONE against the existing vector
// store, and persist the result.
package memory

import "sync/atomic"

// EmbedGate is the process-wide "embeddings disabled" latch. A single
// failed embed call flips it for the whole process; every subsequent
// caller must re-check it rather than caching a stale read.
// Modeled as a struct rather than bare package globals so tests can hold
// their own gate instead of racing on shared process state.
type EmbedGate struct {
	disabled atomic.Bool
}

// NewEmbedGate constructs a gate in the given initial state.
func NewEmbedGate(initiallyDisabled bool) *EmbedGate {
	g := &EmbedGate{}
	g.disabled.Store(initiallyDisabled)
	return g
}

// Disabled reports whether embedding-backed memory work should be
// skipped.
func (g *EmbedGate) Disabled() bool { return g.disabled.Load() }

// Disable flips the latch. Idempotent: calling it repeatedly after the
// first failure is a no-op.
func (g *EmbedGate) Disable() { g.disabled.Store(true) }

// Global is the process-wide gate components share by default when no
// gate is explicitly injected. It is accessed only through its methods,
// never read or written directly.
var Global = NewEmbedGate(false) //nolint:gochecknoglobals // intentional process-wide latch, see EmbedGate doc
