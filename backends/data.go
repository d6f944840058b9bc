// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/inference/pkg/core/places"

// Buffer represents a region of memory allocated by a backend on one of its devices.
//
// It is opaque from the user perspective, and only the backend that created it can use it.
type Buffer any

// Event signals the completion of a transfer.
type Event interface {
	// Await blocks until the transfer completes and returns the number of bytes transferred.
	// A completed transfer with fewer bytes than requested is a truncated transfer, and callers
	// should treat it as an error.
	Await() (numBytes int, err error)
}

// DataInterface is the Backend's subinterface that defines the API to allocate buffers and
// transfer data to/from the accelerators.
type DataInterface interface {
	// Allocate a new buffer of numBytes on the device given by place.
	// It returns an error wrapping ErrOutOfMemory if the device doesn't have enough free memory.
	Allocate(place places.Place, numBytes int) (Buffer, error)

	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
	BufferFinalize(buffer Buffer) error

	// BufferSize returns the number of bytes allocated for the buffer.
	BufferSize(buffer Buffer) (int, error)

	// BufferPlace returns the place (device) where the buffer lives.
	BufferPlace(buffer Buffer) (places.Place, error)

	// TransferToDevice copies all the bytes of src into dst, which must have exactly len(src) bytes.
	// The src slice must not be modified until the returned Event completes.
	TransferToDevice(dst Buffer, src []byte) Event

	// TransferToHost copies all the bytes of src into dst, which must have exactly the size of src.
	TransferToHost(dst []byte, src Buffer) Event

	// TransferBetweenDevices copies src into dst, each on possibly different devices of the backend.
	// Only available if Capabilities.PeerCopy is true, otherwise it returns an error wrapping ErrNotImplemented.
	TransferBetweenDevices(dst, src Buffer) Event
}

// DoneEvent is an Event that is already completed. Useful for synchronous backends.
type DoneEvent struct {
	NumBytes int
	Err      error
}

var _ Event = DoneEvent{}

// Await implements Event.
func (e DoneEvent) Await() (int, error) {
	return e.NumBytes, e.Err
}
