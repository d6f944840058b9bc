// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"time"

	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FromBuffer creates a Tensor from a backend's buffer. The size of the buffer must match the shape.
// The tensor takes ownership of the buffer: it is freed when the tensor is finalized.
func FromBuffer(backend backends.Backend, shape shapes.Shape, buffer backends.Buffer) (*Tensor, error) {
	if backend == nil {
		return nil, errors.New("tensors.FromBuffer: nil backend")
	}
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBuffer(%s): invalid shape", shape)
	}
	size, err := backend.BufferSize(buffer)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensors.FromBuffer(%s)", shape)
	}
	if uintptr(size) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBuffer(%s): shape requires %d bytes, buffer has %d bytes",
			shape, shape.Memory(), size)
	}
	place, err := backend.BufferPlace(buffer)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensors.FromBuffer(%s)", shape)
	}
	return &Tensor{
		shape:    shape.Clone(),
		place:    place,
		onDevice: &onDevice{backend: backend, buffer: buffer},
	}, nil
}

// Buffer returns the backend buffer holding the tensor, if it is on a device.
// The buffer is still owned by the Tensor.
func (t *Tensor) Buffer() (backends.Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return nil, err
	}
	if t.onDevice == nil {
		return nil, errors.Errorf("%s is not on a device", t)
	}
	return t.onDevice.buffer, nil
}

// lockedDeviceToHost returns a new host copy of a device tensor. The tensor must be locked.
func (t *Tensor) lockedDeviceToHost() ([]byte, error) {
	data := make([]byte, t.shape.Memory())
	if err := awaitTransfer(t.onDevice.backend.TransferToHost(data, t.onDevice.buffer), len(data),
		t.place, places.HostPlace()); err != nil {
		return nil, err
	}
	return data, nil
}

// awaitTransfer waits for the event and checks that the whole buffer was transferred.
func awaitTransfer(event backends.Event, numBytes int, from, to places.Place) error {
	n, err := event.Await()
	if err != nil {
		return errors.WithMessagef(err, "transfer of %d bytes from %s to %s", numBytes, from, to)
	}
	if n != numBytes {
		return errors.Wrapf(backends.ErrTransfer, "transfer from %s to %s truncated: %d of %d bytes copied",
			from, to, n, numBytes)
	}
	return nil
}

// CopyToPlace returns a new Tensor with a copy of t stored on the given place.
// The tensor t is left untouched, and the caller is responsible for releasing it if no longer needed.
//
// For a device place, it allocates t.Memory() bytes with the backend, transfers the data and awaits the
// completion. A transfer that copies fewer bytes than the tensor holds fails with backends.ErrTransfer.
// Copies from another device of the same backend use the backend peer copy if it is available,
// otherwise the data bounces through host memory.
//
// On error, any allocated buffer is freed.
func (t *Tensor) CopyToPlace(backend backends.Backend, place places.Place) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("CopyToPlace: Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return nil, err
	}
	if place.IsHost() {
		data := t.local
		if t.onDevice != nil {
			var err error
			data, err = t.lockedDeviceToHost()
			if err != nil {
				return nil, err
			}
		}
		return FromBytes(t.shape, data)
	}

	if err := backends.CheckPlace(backend, place); err != nil {
		return nil, err
	}
	numBytes := int(t.shape.Memory())
	buffer, err := backend.Allocate(place, numBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s on %s", t.shape, place)
	}
	var event backends.Event
	switch {
	case t.onDevice == nil:
		event = backend.TransferToDevice(buffer, t.local)
	case t.onDevice.backend == backend && backend.Capabilities().PeerCopy:
		event = backend.TransferBetweenDevices(buffer, t.onDevice.buffer)
	default:
		// Bounce through host memory.
		var data []byte
		data, err = t.lockedDeviceToHost()
		if err == nil {
			event = backend.TransferToDevice(buffer, data)
		}
	}
	if err == nil {
		if backend.Capabilities().AsyncTransfers && klog.V(2).Enabled() {
			start := time.Now()
			err = awaitTransfer(event, numBytes, t.place, place)
			klog.Infof("transfer of %d bytes from %s to %s awaited for %s", numBytes, t.place, place, time.Since(start))
		} else {
			err = awaitTransfer(event, numBytes, t.place, place)
		}
	}
	if err != nil {
		if freeErr := backend.BufferFinalize(buffer); freeErr != nil {
			err = errors.WithMessagef(err, "(also failed to free buffer on %s: %v)", place, freeErr)
		}
		return nil, err
	}
	return &Tensor{
		shape:    t.shape.Clone(),
		place:    place,
		onDevice: &onDevice{backend: backend, buffer: buffer},
	}, nil
}
