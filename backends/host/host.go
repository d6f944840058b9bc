// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements the "no accelerator" backend: buffers live in host memory, and only
// the host place is served.
//
// It is what an inference engine built without any accelerator support uses. Asking it to hold a
// buffer on any device place is a configuration error (see backends.CheckPlace).
package host

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/backends/notimplemented"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
)

// BackendName to be used in GOMLX_DEVICE_BACKEND to specify this backend.
const BackendName = "host"

// Registers New() as the default constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new host Backend.
// There are no configurations, a non-empty string is an error.
func New(config string) (backends.Backend, error) {
	if config != "" {
		return nil, errors.Errorf("backend %q takes no configuration, got %q", BackendName, config)
	}
	return newBackend(), nil
}

func newBackend() *Backend {
	return &Backend{}
}

// Backend implements the backends.Backend interface.
//
// Device to device transfers are not implemented, and return the error from the embedded notimplemented.Backend.
type Backend struct {
	notimplemented.Backend

	// bufferPools are a map to pools of byte slices that can be reused.
	// The underlying type is map[int]*sync.Pool, keyed by length.
	bufferPools sync.Map

	numLiveBuffers atomic.Int64
	finalized      atomic.Bool
}

// Compile-time check that host.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Buffer for the host backend: a byte slice in host memory.
type Buffer struct {
	data  []byte
	valid bool
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implement backends.Backend.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Host memory only (no accelerator)"
}

// Kind implements backends.Backend: it only serves the host.
func (b *Backend) Kind() places.Kind { return places.Host }

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() int { return 1 }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{}
}

// NumLiveBuffers returns the number of buffers allocated and not yet finalized.
func (b *Backend) NumLiveBuffers() int64 {
	return b.numLiveBuffers.Load()
}

// getBufferPool for given length.
func (b *Backend) getBufferPool(length int) *sync.Pool {
	poolInterface, ok := b.bufferPools.Load(length)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(length, &sync.Pool{
			New: func() any {
				return &Buffer{data: make([]byte, length)}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("backend %q: invalid buffer type %T", BackendName, buffer)
	}
	if !buf.valid {
		return nil, errors.Errorf("backend %q: buffer already finalized", BackendName)
	}
	return buf, nil
}

// Allocate implements backends.DataInterface.
func (b *Backend) Allocate(place places.Place, numBytes int) (backends.Buffer, error) {
	if err := backends.CheckPlace(b, place); err != nil {
		return nil, err
	}
	if !place.IsHost() {
		return nil, errors.Wrapf(backends.ErrUnsupportedPlace, "backend %q only allocates host buffers, got %s", BackendName, place)
	}
	if numBytes < 0 {
		return nil, errors.Errorf("backend %q: cannot allocate %d bytes", BackendName, numBytes)
	}
	buf := b.getBufferPool(numBytes).Get().(*Buffer)
	clear(buf.data)
	buf.valid = true
	b.numLiveBuffers.Add(1)
	return buf, nil
}

// BufferFinalize implements backends.DataInterface. The buffer is returned to the pool.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.valid = false
	b.numLiveBuffers.Add(-1)
	b.getBufferPool(len(buf.data)).Put(buf)
	return nil
}

// BufferSize implements backends.DataInterface.
func (b *Backend) BufferSize(buffer backends.Buffer) (int, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return len(buf.data), nil
}

// BufferPlace implements backends.DataInterface.
func (b *Backend) BufferPlace(buffer backends.Buffer) (places.Place, error) {
	if _, err := b.castBuffer(buffer); err != nil {
		return places.Place{}, err
	}
	return places.HostPlace(), nil
}

// TransferToDevice implements backends.DataInterface. For the host backend it is a plain copy.
func (b *Backend) TransferToDevice(dst backends.Buffer, src []byte) backends.Event {
	buf, err := b.castBuffer(dst)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(buf.data) != len(src) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"buffer has %d bytes, source has %d bytes", len(buf.data), len(src))}
	}
	return backends.DoneEvent{NumBytes: copy(buf.data, src)}
}

// TransferToHost implements backends.DataInterface. For the host backend it is a plain copy.
func (b *Backend) TransferToHost(dst []byte, src backends.Buffer) backends.Event {
	buf, err := b.castBuffer(src)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(buf.data) != len(dst) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"buffer has %d bytes, destination has %d bytes", len(buf.data), len(dst))}
	}
	return backends.DoneEvent{NumBytes: copy(dst, buf.data)}
}

// Finalize implements backends.Backend. Live buffers are simply left to the GC.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
	b.bufferPools.Clear()
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool {
	return b.finalized.Load()
}
