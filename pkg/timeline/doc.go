// Package timeline derives the single canonical ordering of an agent run
// from its event log, LLM trace, and tool snapshots, and verifies that a
// stored timeline has not been damaged.
//
// Invariants:
// - The event log's emission order is authoritative; entries it does not
//   cover fall back to their intrinsic sequence, never wall-clock time.
// - Canonicalization is idempotent: re-canonicalizing its own output is a
//   no-op.
// - Every LLM step and every tool invocation/result appears exactly once.
package timeline
