// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrNotAuthorized indicates an ownership check failed, e.g. an agent reporting
// on a task it does not hold.
var ErrNotAuthorized = errors.New("not authorized")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("validation error")

// ErrInvalidTransition indicates a state change that the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrBudgetExceeded indicates neither the requested service nor any substitute can
// accept a charge.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrProvisioningTimeout indicates a sandbox did not reach the running state within
// the polling budget.
var ErrProvisioningTimeout = errors.New("sandbox provisioning timed out")

// ErrProvisioningFailed indicates the container runtime reported a failed sandbox.
var ErrProvisioningFailed = errors.New("sandbox provisioning failed")

// ErrBrokerUnavailable indicates the message broker rejected or could not accept a
// publish. Callers retry with their own backoff.
var ErrBrokerUnavailable = errors.New("message broker unavailable")
