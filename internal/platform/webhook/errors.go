package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrSecretNotFound is returned when the secret store has no usable value for
// a secret reference.
var ErrSecretNotFound = errors.New("webhook secret not found")

// ErrConfigNotFound is returned by stores when a webhook config does not exist.
var ErrConfigNotFound = errors.New("webhook not found")

// HTTPDeliveryError is returned when the destination answered with a non-2xx
// status.
type HTTPDeliveryError struct {
	StatusCode int
	Body       string
}

func (e *HTTPDeliveryError) Error() string {
	return fmt.Sprintf("webhook endpoint returned HTTP %d", e.StatusCode)
}

// NetworkDeliveryError is returned when the request could not complete, either
// because of a transport failure or the delivery timeout.
type NetworkDeliveryError struct {
	Timeout bool
	Err     error
}

func (e *NetworkDeliveryError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("webhook delivery timed out: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery failed: %v", e.Err)
}

func (e *NetworkDeliveryError) Unwrap() error { return e.Err }

// PersistenceError wraps a failure to record a delivery attempt.
type PersistenceError struct {
	DeliveryID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("record delivery %s: %v", e.DeliveryID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ParseError wraps a queue message body that could not be decoded.
type ParseError struct {
	MessageID string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %s: %v", e.MessageID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// bestEffort runs a non-critical side effect. Errors and panics are logged
// and swallowed.
func bestEffort(ctx context.Context, logger zerolog.Logger, step string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("step", step).Interface("panic", r).Msg("best-effort step panicked")
		}
	}()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("step", step).Msg("best-effort step failed")
	}
}
