// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/inference/pkg/core/dtypes"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/shapes"
	"github.com/pkg/errors"
)

// FromShape returns a Tensor in host memory with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{
		shape: shape.Clone(),
		place: places.HostPlace(),
		local: make([]byte, shape.Memory()),
	}
}

// FromBytes returns a Tensor in host memory with the given shape and a copy of data.
// The length of data must match shape.Memory().
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes(%s): invalid shape", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): shape requires %d bytes, got %d bytes",
			shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	copy(t.local, data)
	return t, nil
}

// asBytes returns a view of the flat slice as bytes.
func asBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var dummy T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), uintptr(len(flat))*unsafe.Sizeof(dummy))
}

// FromFlatDataAndDimensions creates a tensor in host memory with the given dimensions, filled with the flattened
// values given in `data`. The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.local, asBytes(data))
	return t
}

// FromScalar creates a scalar tensor in host memory with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// ConstBytes calls accessFn with the data as a bytes slice.
// Even scalar values have a bytes data representation of one element.
// It locks the Tensor until accessFn returns.
//
// For tensors in host memory, accessFn receives the actual Tensor data (not a copy), and it should not be
// changed. For tensors on a device, the data is first transferred to a temporary host copy.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	if t.local != nil {
		accessFn(t.local)
		return nil
	}
	data, err := t.lockedDeviceToHost()
	if err != nil {
		return err
	}
	accessFn(data)
	return nil
}

// HostBytes returns a copy of the tensor data in host memory, transferring it from the device if needed.
func (t *Tensor) HostBytes() ([]byte, error) {
	var data []byte
	err := t.ConstBytes(func(tensorData []byte) {
		if t.local != nil {
			data = make([]byte, len(tensorData))
			copy(data, tensorData)
		} else {
			// Already a temporary copy.
			data = tensorData
		}
	})
	return data, err
}

// MutableBytes calls accessFn with the data as a mutable bytes slice.
// It is only available for tensors in host memory: device tensors are immutable.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	if t.local == nil {
		return errors.Errorf("MutableBytes: %s is not in host memory", t)
	}
	accessFn(t.local)
	return nil
}

// ConstFlatData calls accessFn with the tensor data as a flat slice of T, which must match the tensor DType.
// See Tensor.ConstBytes for details.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if dtype := dtypes.FromGenericsType[T](); dtype != t.DType() {
		var dummy T
		return errors.Errorf("ConstFlatData[%T]: tensor has dtype %s, not %s", dummy, t.DType(), dtype)
	}
	return t.ConstBytes(func(data []byte) {
		var flat []T
		if len(data) > 0 {
			flat = unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), t.shape.Size())
		}
		accessFn(flat)
	})
}

// CopyFlatData returns a copy of the tensor data as a flat slice of T, which must match the tensor DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flat []T
	err := ConstFlatData(t, func(data []T) {
		flat = make([]T, len(data))
		copy(flat, data)
	})
	return flat, err
}
