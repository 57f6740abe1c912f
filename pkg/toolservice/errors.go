package toolservice

import (
	"errors"

	"github.com/reqline/agentcore/pkg/runcontract"
)

// Error codes of the closed taxonomy relayed from the service.
const (
	CodeTransport  = "TRANSPORT_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL"
	CodeNotFound   = "NOT_FOUND"
)

// TransportError is a network or connection failure talking to the
// service. It resets the readiness flag so the next call performs a fresh
// probe.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "tool service " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceError is a structured rejection returned by the service itself,
// relayed verbatim.
type ServiceError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return "tool service: " + e.Code + ": " + e.Message
	}
	return "tool service: " + e.Message
}

// IsValidation reports whether the service rejected the arguments. These
// failures go back to the model for self-correction instead of aborting
// the run.
func (e *ServiceError) IsValidation() bool {
	return e.Code == CodeValidation
}

// Normalize converts any client error into the run contract's structured
// tool error.
func Normalize(err error) runcontract.ToolError {
	var terr *TransportError
	if errors.As(err, &terr) {
		return runcontract.ToolError{Message: terr.Err.Error(), Code: CodeTransport}
	}
	var serr *ServiceError
	if errors.As(err, &serr) {
		return runcontract.ToolError{Message: serr.Message, Code: serr.Code, Details: serr.Details}
	}
	return runcontract.ToolError{Message: err.Error(), Code: CodeInternal}
}
