// Package errors provides structured error handling with stable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidArgument represents malformed or missing input.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Role errors
	CodeForbidden Code = "FORBIDDEN"

	// Vote ledger errors
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeVoteUnderflow  Code = "VOTE_UNDERFLOW"

	// Phase errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"

	// Transport limits
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest

	case CodeForbidden:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	// Conflict - session state doesn't allow the operation
	case CodeBudgetExceeded,
		CodeVoteUnderflow,
		CodeInvalidTransition:
		return http.StatusConflict

	case CodeResourceExhausted:
		return http.StatusTooManyRequests

	default:
		return http.StatusInternalServerError
	}
}
