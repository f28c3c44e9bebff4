package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("session is not connected")
	ErrSessionNotFound    = errors.New("session not found")
	ErrDeliveryExhausted  = errors.New("webhook delivery retries exhausted")
	ErrWebhookRejected    = errors.New("webhook endpoint rejected the delivery")
	ErrBroadcastNotFound  = errors.New("broadcast not found")
	ErrBroadcastCancelled = errors.New("broadcast cancelled")
	ErrShuttingDown       = errors.New("supervisor is shutting down")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransportError wraps a failure from the protocol client.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
