// Package apperr defines the error kinds a request can fail with and
// maps each to the HTTP status the gateway reports.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports malformed request input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthenticationError reports a missing or rejected bearer token.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConfigurationError reports that a component was used before it was
// set up.
type ConfigurationError struct {
	Component string
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// InitializationError reports that building the agent failed. Timeout
// is set when the attempt exceeded its deadline of After.
type InitializationError struct {
	Timeout bool
	After   time.Duration
	Err     error
}

func (e *InitializationError) Error() string {
	if e.Timeout && e.After > 0 {
		return fmt.Sprintf("agent initialization timed out after %ds", int(e.After.Seconds()))
	}
	return fmt.Sprintf("agent initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ToolDiscoveryError reports that the authorized toolset could not be
// listed.
type ToolDiscoveryError struct {
	Err error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("tool discovery: %v", e.Err)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Err }

// ProcessingError reports a failure while running a request. Status
// carries an upstream HTTP status when one is known; Timeout marks
// deadline failures.
type ProcessingError struct {
	Status  int
	Timeout bool
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing request: %v", e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// StatusCoder is implemented by upstream errors that know the HTTP
// status they were answered with.
type StatusCoder interface {
	StatusCode() int
}

// Processing wraps err as a ProcessingError, marking it as a timeout
// when it stems from a context deadline and carrying the status of any
// wrapped StatusCoder. Errors that already carry a kind are returned
// unchanged.
func Processing(err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != "" {
		return err
	}
	pe := &ProcessingError{Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
	var sc StatusCoder
	if errors.As(err, &sc) {
		pe.Status = sc.StatusCode()
	}
	return pe
}

// IsTimeout reports whether err is, or wraps, a timeout of any kind.
func IsTimeout(err error) bool {
	var ie *InitializationError
	if errors.As(err, &ie) && ie.Timeout {
		return true
	}
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Kind returns a short label for the error kind, or "" when err has
// none of the kinds defined here.
func Kind(err error) string {
	var (
		ve *ValidationError
		ae *AuthenticationError
		ce *ConfigurationError
		ie *InitializationError
		te *ToolDiscoveryError
		pe *ProcessingError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ae):
		return "authentication"
	case errors.As(err, &ce):
		return "configuration"
	case errors.As(err, &ie):
		return "initialization"
	case errors.As(err, &te):
		return "tool_discovery"
	case errors.As(err, &pe):
		return "processing"
	}
	return ""
}

// HTTPStatus maps err to the status the gateway returns.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if IsTimeout(err) {
		return http.StatusGatewayTimeout
	}

	var (
		ve *ValidationError
		ae *AuthenticationError
		ce *ConfigurationError
		ie *InitializationError
		pe *ProcessingError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &ce), errors.As(err, &ie):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe) && pe.Status >= 400:
		return pe.Status
	}
	return http.StatusInternalServerError
}
