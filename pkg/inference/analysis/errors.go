// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is matched (with errors.Is) by errors caused by an invalid analysis configuration:
	// e.g. a target place that no active backend can serve.
	ErrConfiguration = errors.New("invalid analysis configuration")

	// ErrMissingParameter is matched (with errors.Is) when a parameter name is not found in the scope,
	// or its variable holds no tensor.
	ErrMissingParameter = errors.New("missing parameter")
)

// ConfigurationError wraps the cause of a configuration problem.
// It matches ErrConfiguration and, through Unwrap, its cause (e.g. backends.ErrUnsupportedPlace).
type ConfigurationError struct {
	Err error
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return ErrConfiguration.Error() + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ConfigurationErrorf returns a ConfigurationError with the message formatted from format and args.
// If cause is not nil, it is wrapped.
func ConfigurationErrorf(cause error, format string, args ...any) error {
	if cause == nil {
		return &ConfigurationError{Err: errors.Errorf(format, args...)}
	}
	return &ConfigurationError{Err: errors.WithMessagef(cause, format, args...)}
}
