package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid target or trajectory configuration.
	// It only blocks target-dependent calculations.
	ErrConfiguration = errors.New("configuration error")

	// ErrStoreFailure marks an unreachable or failing metric store
	ErrStoreFailure = errors.New("metric store failure")

	// ErrInvalidQuery marks malformed caller input
	ErrInvalidQuery = errors.New("invalid query")

	// ErrNotFound is returned by stores when an entity does not exist
	ErrNotFound = errors.New("not found")
)

// ConfigurationError describes which setting is invalid
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// StoreError wraps an error from the metric store
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}
