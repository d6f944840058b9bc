// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"

	"github.com/gomlx/inference/pkg/core/places"
)

// SyncError is returned by DeviceParamsSyncPass when a parameter fails to be synced.
// It names the parameter and the target place, and unwraps to the cause: e.g. backends.ErrOutOfMemory,
// backends.ErrTransfer or analysis.ErrMissingParameter.
type SyncError struct {
	Param string
	Place places.Place
	Err   error
}

// Error implements error.
func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to sync parameter %q to %s: %v", e.Param, e.Place, e.Err)
}

// Unwrap returns the cause.
func (e *SyncError) Unwrap() error { return e.Err }
