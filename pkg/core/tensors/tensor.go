// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a multidimensional array with its storage either in host
// memory or in the memory of a device managed by a backend.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions), its place (where the
// storage lives) and the storage itself, which is either:
//
//   - `local`: a flat byte slice in host memory, in row-major order.
//   - `onDevice`: a backends.Buffer allocated by a backend on one of its devices.
//
// Never both: to move a tensor to another place, use Tensor.CopyToPlace, which creates a new
// Tensor, and release the old one.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromBytes(shape shapes.Shape, data []byte): creates a tensor with a copy of the raw data.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data.
//   - FromScalar[T dtypes.Supported](value T): a scalar tensor.
//
// And FromBuffer wraps a buffer already allocated on a device.
//
// Ownership: a Tensor can be held by more than one owner (e.g. two variables that alias the
// same parameter). Each owner calls Tensor.Ref when it takes the tensor, and Tensor.Unref when it lets
// go of it. When the count drops back to zero, the storage is released. A storage is never shared
// between two Tensor instances.
package tensors

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/dtypes"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape, a data type (dtypes.DType) and its axes' dimensions, and their actual content stored as a flat
// array of bytes, in host memory or on a device.
//
// See package documentation for details.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// mu protects the local and onDevice data, but not the shape, which is considered immutable (only changed
	// when Tensor is finalized).
	mu sync.Mutex

	// place where the storage lives. It is immutable while the tensor is valid.
	place places.Place

	// local storage, used when place is the host.
	local []byte

	// onDevice storage, used when place is a device.
	onDevice *onDevice

	// refs is the number of owners of the tensor.
	refs atomic.Int32
}

// onDevice is the storage of a tensor on a device.
type onDevice struct {
	backend backends.Backend
	buffer  backends.Buffer
}

// Shape of Tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Place returns where the tensor storage lives.
func (t *Tensor) Place() places.Place { return t.place }

// IsOnDevice returns whether the tensor storage is on a device (as opposed to host memory).
func (t *Tensor) IsOnDevice() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onDevice != nil
}

// Backend returns the backend holding the tensor storage, or nil if the tensor is in host memory.
func (t *Tensor) Backend() backends.Backend {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onDevice == nil {
		return nil
	}
	return t.onDevice.backend
}

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedOk()
}

func (t *Tensor) lockedOk() bool {
	return t.shape.Ok() && (t.local != nil || t.onDevice != nil)
}

// CheckValid returns an error if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedCheckValid()
}

func (t *Tensor) lockedCheckValid() error {
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid, was it finalized?")
	}
	if t.local == nil && t.onDevice == nil {
		return errors.New("Tensor has no local or on-device storage")
	}
	if t.onDevice != nil && t.onDevice.backend.IsFinalized() {
		return errors.Errorf("Tensor stored on %s with a finalized backend", t.place)
	}
	return nil
}

// String implements fmt.Stringer. It doesn't print the contents, only shape and place.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor%s@%s", t.shape, t.place)
}

// Ref registers one more owner of the tensor, and returns the tensor itself.
func (t *Tensor) Ref() *Tensor {
	t.refs.Add(1)
	return t
}

// Refs returns the current number of owners of the tensor.
func (t *Tensor) Refs() int {
	return int(t.refs.Load())
}

// Unref releases one owner of the tensor. When the last owner releases it, the storage is freed with FinalizeAll.
//
// It returns whether the storage was freed, and the error in freeing it, if any.
func (t *Tensor) Unref() (freed bool, err error) {
	refs := t.refs.Add(-1)
	if refs > 0 {
		return false, nil
	}
	if refs < 0 {
		return false, errors.Errorf("%s released more times than referenced", t)
	}
	return true, t.FinalizeAll()
}

// FinalizeAll immediately frees all associated data and leave Tensor in an invalid state.
//
// It's the caller's responsibility to ensure the tensor is not being used elsewhere: prefer Unref
// for tensors with owners.
func (t *Tensor) FinalizeAll() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lockedOk() {
		// Likely already finalized, no-op.
		return nil
	}
	var err error
	if t.onDevice != nil {
		if !t.onDevice.backend.IsFinalized() {
			err = t.onDevice.backend.BufferFinalize(t.onDevice.buffer)
			if err != nil {
				err = errors.WithMessagef(err, "failed to free %s", t.shape)
			}
		}
		t.onDevice = nil
	}
	if klog.V(2).Enabled() {
		klog.Infof("tensor %s@%s freed", t.shape, t.place)
	}
	t.local = nil
	t.shape = shapes.Invalid()
	return err
}
