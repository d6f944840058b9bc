// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/pkg/errors"

var (
	// ErrOutOfMemory is returned (wrapped) when a device allocation fails for lack of memory.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrTransfer is returned (wrapped) when a transfer fails or completes with fewer bytes than requested.
	ErrTransfer = errors.New("device transfer failed")

	// ErrUnsupportedPlace is returned (wrapped) when a backend is asked to use a place it doesn't serve.
	ErrUnsupportedPlace = errors.New("place not supported by backend")

	// ErrNotImplemented is returned (wrapped) by optional operations a backend doesn't support.
	ErrNotImplemented = errors.New("not implemented")
)
