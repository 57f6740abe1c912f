// Package toolservice is the HTTP client for the local tool-execution
// service. It issues tool invocations with idempotency tokens, probes
// readiness at most once per run, and normalizes failures into a closed
// error taxonomy.
//
// Argument validation is entirely the service's responsibility: the client
// forwards arguments verbatim and relays whatever structured error comes
// back. The schema registry only verifies that advertised tool schemas are
// well-formed JSON Schema before they are exposed to the model.
package toolservice
