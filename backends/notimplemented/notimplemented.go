// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package notimplemented implements a backends.Backend that returns a "not implemented" error
// for every data operation.
//
// It can be embedded to bootstrap a backend implementation, or to build mock backends in tests:
// the embedding type overrides only the methods it supports.
package notimplemented

import (
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
)

// NotImplementedError is returned by every method.
//
// It doesn't contain a stack, attach a stack to with errors.Wrapf(NotImplementedError, "...") when using it.
var NotImplementedError = backends.ErrNotImplemented

// Backend is a dummy backend that can be embedded to create mock backends.
type Backend struct {
	// ErrFn is called to generate the error returned, if not nil.
	// Otherwise NotImplementedError is returned, wrapped with the name of the method.
	ErrFn func(method string) error

	finalized bool
}

var _ backends.Backend = &Backend{}

// baseErrFn returns the error corresponding to the method.
// It falls back to Backend.ErrFn if it is defined.
func (b *Backend) baseErrFn(method string) error {
	if b.ErrFn == nil {
		return errors.Wrapf(NotImplementedError, "backend method %s()", method)
	}
	return b.ErrFn(method)
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "notimplemented"
}

// String returns the same as Name.
func (b *Backend) String() string {
	return b.Name()
}

// Description is a longer description of the Backend.
func (b *Backend) Description() string {
	return "Not Implemented Backend (mock backend for testing)"
}

// Kind returns places.Host: this backend can't hold any device buffer.
func (b *Backend) Kind() places.Kind {
	return places.Host
}

// NumDevices returns 1 as the number of devices available.
func (b *Backend) NumDevices() int {
	return 1
}

// Capabilities returns empty capabilities.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{}
}

// Allocate implements backends.DataInterface.
func (b *Backend) Allocate(place places.Place, numBytes int) (backends.Buffer, error) {
	return nil, b.baseErrFn("Allocate")
}

// BufferFinalize implements backends.DataInterface.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	return b.baseErrFn("BufferFinalize")
}

// BufferSize implements backends.DataInterface.
func (b *Backend) BufferSize(buffer backends.Buffer) (int, error) {
	return 0, b.baseErrFn("BufferSize")
}

// BufferPlace implements backends.DataInterface.
func (b *Backend) BufferPlace(buffer backends.Buffer) (places.Place, error) {
	return places.Place{}, b.baseErrFn("BufferPlace")
}

// TransferToDevice implements backends.DataInterface.
func (b *Backend) TransferToDevice(dst backends.Buffer, src []byte) backends.Event {
	return backends.DoneEvent{Err: b.baseErrFn("TransferToDevice")}
}

// TransferToHost implements backends.DataInterface.
func (b *Backend) TransferToHost(dst []byte, src backends.Buffer) backends.Event {
	return backends.DoneEvent{Err: b.baseErrFn("TransferToHost")}
}

// TransferBetweenDevices implements backends.DataInterface.
func (b *Backend) TransferBetweenDevices(dst, src backends.Buffer) backends.Event {
	return backends.DoneEvent{Err: b.baseErrFn("TransferBetweenDevices")}
}

// Finalize marks the backend as finalized.
func (b *Backend) Finalize() {
	b.finalized = true
}

// IsFinalized returns whether Finalize was called.
func (b *Backend) IsFinalized() bool {
	return b.finalized
}
