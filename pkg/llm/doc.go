// Package llm sends conversation state to a language model and converts
// the raw provider payloads into the run contract's logical shape: visible
// text, tool call requests, and reasoning segments.
//
// Malformed tool-call argument payloads are repaired best-effort; when the
// payload is irrecoverable the caller gets a typed *ParseError instead of
// an opaque failure. Streaming and non-streaming responses have an
// identical logical shape, and every network resource is released on every
// exit path including cancellation.
package llm
