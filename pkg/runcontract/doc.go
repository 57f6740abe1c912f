// Package runcontract defines the data structures every agent run must
// populate: conversation messages, tool result snapshots, LLM steps, the
// append-only event log, and the finalized run payload.
//
// Invariants:
// - Sequence numbers are the sole ordering authority; timestamps are
//   advisory and may skew across streamed sources.
// - Conversation messages and LLM steps are append-only, never mutated
//   once recorded.
// - ToolResultSnapshot mutates in place while running and freezes at a
//   terminal status.
// - The event log is ordered by emission and never reordered.
package runcontract
