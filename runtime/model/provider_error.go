package model

import (
	"errors"
	"fmt"
)

// Code classifies provider failures into the stable taxonomy surfaced to
// clients. Codes cross package boundaries unchanged; retry and UX decisions
// key off them.
type Code string

const (
	// CodeAuthFailed indicates authentication or authorization failures.
	CodeAuthFailed Code = "AUTH_FAILED"

	// CodeModelNotAllowed indicates the resolved model is not permitted for
	// the provider per capability policy.
	CodeModelNotAllowed Code = "MODEL_NOT_ALLOWED"

	// CodeRateLimited indicates the provider is throttling requests.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeProviderNotConnected indicates the provider has no usable
	// connection or credentials configured.
	CodeProviderNotConnected Code = "PROVIDER_NOT_CONNECTED"

	// CodeInvalidProviderSelection indicates the requested provider/model
	// pair could not be resolved or lacks required capabilities.
	CodeInvalidProviderSelection Code = "INVALID_PROVIDER_SELECTION"

	// CodeProviderUnavailable indicates a transient provider failure (5xx,
	// network) where a retry may succeed.
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"

	// CodeValidationError indicates the request or the provider response
	// failed schema validation.
	CodeValidationError Code = "VALIDATION_ERROR"

	// CodeInternalError indicates an unclassified failure inside the
	// runtime or provider adapter.
	CodeInternalError Code = "INTERNAL_ERROR"
)

// DefaultRetryable reports the conventional retryability of a code. Rate
// limits and transient unavailability are worth retrying; everything else
// requires a changed request or configuration.
func DefaultRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeProviderUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError describes a failure returned by a model provider or raised
// at the gateway boundary. It carries the stable code taxonomy so runtimes
// can surface structured information to callers.
type ProviderError struct {
	code      Code
	provider  string
	model     string
	operation string
	http      int
	message   string
	requestID string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. code is required; retryable
// defaults from the code via DefaultRetryable and can be overridden with
// SetRetryable. cause may be nil but is recommended to preserve the original
// error chain.
func NewProviderError(code Code, provider, model, message string, cause error) *ProviderError {
	if code == "" {
		panic("model: provider error code is required")
	}
	return &ProviderError{
		code:      code,
		provider:  provider,
		model:     model,
		message:   message,
		retryable: DefaultRetryable(code),
		cause:     cause,
	}
}

// SetOperation records the provider operation name (e.g. "complete",
// "stream") and returns the error for chaining.
func (e *ProviderError) SetOperation(op string) *ProviderError {
	e.operation = op
	return e
}

// SetHTTPStatus records the provider HTTP status when available.
func (e *ProviderError) SetHTTPStatus(status int) *ProviderError {
	e.http = status
	return e
}

// SetRequestID records the provider request identifier when available.
func (e *ProviderError) SetRequestID(id string) *ProviderError {
	e.requestID = id
	return e
}

// SetRetryable overrides the code-derived retryability.
func (e *ProviderError) SetRetryable(retryable bool) *ProviderError {
	e.retryable = retryable
	return e
}

// Code returns the taxonomy code.
func (e *ProviderError) Code() Code { return e.code }

// Provider returns the provider identifier when known.
func (e *ProviderError) Provider() string { return e.provider }

// Model returns the model identifier when known.
func (e *ProviderError) Model() string { return e.model }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// RequestID returns the provider request identifier when available.
func (e *ProviderError) RequestID() string { return e.requestID }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	target := e.provider
	if e.model != "" {
		target += "/" + e.model
	}
	if target == "" {
		target = "model"
	}
	if e.http > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", target, e.code, e.http, msg)
	}
	return fmt.Sprintf("%s: %s: %s", target, e.code, msg)
}

// Unwrap returns the underlying cause to preserve the error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
