// Package agent runs the conversational loop: it drives the LLM client,
// dispatches tool calls strictly sequentially, records every observable
// event through the run contract Recorder, and finalizes into a
// canonicalized AgentRunPayload.
//
// All collaborators are injected through Config; the runner holds no
// process-wide state, so concurrent sessions never interfere.
package agent
