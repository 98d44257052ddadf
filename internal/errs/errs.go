// Package errs holds the error categories shared across the sync pipeline.
// Callers match categories with errors.Is; the underlying cause stays in the chain.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrSensorNotFound    = errors.New("sensor not found")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrDecodeFailure     = errors.New("decode failure")
	ErrTransport         = errors.New("transport failure")
	ErrStorage           = errors.New("storage failure")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrImmutable         = errors.New("sensor is claimed")
	ErrUnavailable       = errors.New("not enabled")
)

// Storage wraps a storage engine error. Returns nil for a nil err.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Transport wraps a network-layer error. Returns nil for a nil err.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Decode wraps a payload decoding error. Returns nil for a nil err.
func Decode(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", what, ErrDecodeFailure, err)
}

// Invalid reports a rejected identity combination.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIdentity, fmt.Sprintf(format, args...))
}
