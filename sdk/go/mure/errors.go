// Package mure provides a Go client for the mure colony API.
package mure

import (
	"errors"
	"fmt"
)

// Error represents an error from the mure API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mure: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsConflict returns true if the error is a 409. Resolving an already
// resolved request and triggering a cycle mid-flight both surface here.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsInvalidInput returns true if the server rejected the request body or
// parameters.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INVALID_INPUT"
	}
	return false
}

// IsInsufficientResources returns true if an agent's budget could not
// cover the operation.
func IsInsufficientResources(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INSUFFICIENT_RESOURCES"
	}
	return false
}

// IsSchedulerBusy returns true if a cycle trigger lost to one already in
// flight.
func IsSchedulerBusy(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "SCHEDULER_BUSY"
	}
	return false
}
