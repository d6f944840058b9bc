// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simdevice implements a simulated accelerator backend: the device memory is kept in the
// process, but it follows the rules of a real device.
//
// Each device has a fixed memory capacity (allocations beyond it fail with backends.ErrOutOfMemory)
// and a number of transfer queues, served by their own goroutines, so transfers complete
// asynchronously and must be awaited.
//
// Faults can be injected with FailAllocations and TruncateTransfers, and Stats reports what the
// backend did, which makes it the backend of choice for tests.
//
// The configuration string is described in ParseConfig. E.g.: "sim:npu,devices=2,memory=512MiB".
package simdevice

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOMLX_DEVICE_BACKEND to specify this backend.
const BackendName = "sim"

// Registers New() as the default constructor for the "sim" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simulated device Backend. See ParseConfig for the configuration format.
func New(config string) (backends.Backend, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg), nil
}

// NewWithConfig returns a new simulated device Backend with the given configuration.
func NewWithConfig(cfg Config) *Backend {
	b := &Backend{cfg: cfg}
	b.devices = make([]*device, cfg.NumDevices)
	for ii := range b.devices {
		b.devices[ii] = newDevice(b, places.Place{Kind: cfg.Kind, Index: ii}, cfg.Memory, cfg.Streams)
	}
	klog.V(1).Infof("backend %q created: %d %s device(s) with %s each", BackendName,
		cfg.NumDevices, cfg.Kind, humanize.IBytes(cfg.Memory))
	return b
}

// Backend implements backends.Backend for simulated accelerators.
type Backend struct {
	cfg     Config
	devices []*device

	muFaults        sync.Mutex
	allocationFault FaultMatcher
	transferFault   FaultMatcher

	allocations, frees atomic.Int64
	transfers          atomic.Int64
	bytesTransferred   atomic.Int64

	muFinalize sync.Mutex
	finalized  atomic.Bool
}

// Compile-time check that simdevice.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// FaultMatcher selects the operations where a fault is injected, by the place and the number of bytes involved.
type FaultMatcher func(place places.Place, numBytes int) bool

// Buffer allocated on a simulated device.
type Buffer struct {
	device *device
	data   []byte

	mu    sync.Mutex
	valid bool
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName + ":" + b.cfg.String() }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated %s x %d (%s each)", b.cfg.Kind, b.cfg.NumDevices, humanize.IBytes(b.cfg.Memory))
}

// Kind implements backends.Backend.
func (b *Backend) Kind() places.Kind { return b.cfg.Kind }

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{
		PeerCopy:       b.cfg.PeerCopy,
		AsyncTransfers: true,
	}
}

// Config returns the configuration of the backend.
func (b *Backend) Config() Config { return b.cfg }

// FailAllocations makes every allocation selected by match fail with backends.ErrOutOfMemory,
// regardless of the free memory. A nil match disables the fault.
func (b *Backend) FailAllocations(match FaultMatcher) {
	b.muFaults.Lock()
	defer b.muFaults.Unlock()
	b.allocationFault = match
}

// TruncateTransfers makes every transfer selected by match copy only half of its bytes.
// The place given to match is the destination of the transfer. A nil match disables the fault.
func (b *Backend) TruncateTransfers(match FaultMatcher) {
	b.muFaults.Lock()
	defer b.muFaults.Unlock()
	b.transferFault = match
}

// ClearFaults disables all injected faults.
func (b *Backend) ClearFaults() {
	b.muFaults.Lock()
	defer b.muFaults.Unlock()
	b.allocationFault = nil
	b.transferFault = nil
}

func (b *Backend) matchFault(allocation bool, place places.Place, numBytes int) bool {
	b.muFaults.Lock()
	match := b.transferFault
	if allocation {
		match = b.allocationFault
	}
	b.muFaults.Unlock()
	return match != nil && match(place, numBytes)
}

// Stats of what the backend has done so far.
type Stats struct {
	Allocations, Frees int64

	// Live buffers and bytes in use, summed over all devices.
	LiveBuffers int64
	BytesInUse  uint64

	Transfers        int64
	BytesTransferred int64
}

// Stats returns a snapshot of the backend counters.
func (b *Backend) Stats() Stats {
	s := Stats{
		Allocations:      b.allocations.Load(),
		Frees:            b.frees.Load(),
		Transfers:        b.transfers.Load(),
		BytesTransferred: b.bytesTransferred.Load(),
	}
	for _, d := range b.devices {
		d.mu.Lock()
		s.BytesInUse += d.used
		s.LiveBuffers += int64(d.numBuffers)
		d.mu.Unlock()
	}
	return s
}

// MemoryInUse returns the number of bytes allocated in the device at the given place.
func (b *Backend) MemoryInUse(place places.Place) uint64 {
	if backends.CheckPlace(b, place) != nil || place.IsHost() {
		return 0
	}
	d := b.devices[place.Index]
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("backend %q: invalid buffer type %T", BackendName, buffer)
	}
	if buf.device.backend != b {
		return nil, errors.Errorf("backend %q: buffer allocated by another backend instance", BackendName)
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
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
	if place.IsHost() {
		return nil, errors.Wrapf(backends.ErrUnsupportedPlace, "backend %q doesn't allocate host buffers", BackendName)
	}
	if numBytes < 0 {
		return nil, errors.Errorf("backend %q: cannot allocate %d bytes", BackendName, numBytes)
	}
	d := b.devices[place.Index]
	if b.matchFault(true, place, numBytes) {
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "allocating %s on %s (injected fault)",
			humanize.IBytes(uint64(numBytes)), place)
	}
	if err := d.reserve(uint64(numBytes)); err != nil {
		return nil, err
	}
	b.allocations.Add(1)
	return &Buffer{device: d, data: make([]byte, numBytes), valid: true}, nil
}

// BufferFinalize implements backends.DataInterface: the memory is returned to the device.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return errors.Errorf("backend %q: invalid buffer type %T", BackendName, buffer)
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if !buf.valid {
		return errors.Errorf("backend %q: buffer already finalized", BackendName)
	}
	buf.valid = false
	buf.device.release(uint64(len(buf.data)))
	buf.data = nil
	b.frees.Add(1)
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
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return places.Place{}, err
	}
	return buf.device.place, nil
}

// copyBytes copies src into dst, unless a truncation fault matches, in which case only half the bytes are copied.
func (b *Backend) copyBytes(place places.Place, dst, src []byte) int {
	n := len(src)
	if b.matchFault(false, place, n) {
		n /= 2
	}
	n = copy(dst[:n], src[:n])
	b.transfers.Add(1)
	b.bytesTransferred.Add(int64(n))
	return n
}

// TransferToDevice implements backends.DataInterface. The copy is done by one of the device transfer queues.
func (b *Backend) TransferToDevice(dst backends.Buffer, src []byte) backends.Event {
	buf, err := b.castBuffer(dst)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(buf.data) != len(src) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"device buffer on %s has %d bytes, source has %d bytes", buf.device.place, len(buf.data), len(src))}
	}
	return buf.device.enqueue(func() (int, error) {
		data, err := buf.lockedData()
		if err != nil {
			return 0, err
		}
		return b.copyBytes(buf.device.place, data, src), nil
	})
}

// TransferToHost implements backends.DataInterface. The copy is done by one of the device transfer queues.
func (b *Backend) TransferToHost(dst []byte, src backends.Buffer) backends.Event {
	buf, err := b.castBuffer(src)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(buf.data) != len(dst) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"device buffer on %s has %d bytes, destination has %d bytes", buf.device.place, len(buf.data), len(dst))}
	}
	return buf.device.enqueue(func() (int, error) {
		data, err := buf.lockedData()
		if err != nil {
			return 0, err
		}
		return b.copyBytes(places.HostPlace(), dst, data), nil
	})
}

// TransferBetweenDevices implements backends.DataInterface, if the backend was configured with peer copies.
func (b *Backend) TransferBetweenDevices(dst, src backends.Buffer) backends.Event {
	if !b.cfg.PeerCopy {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrNotImplemented,
			"backend %q configured without peer copies", BackendName)}
	}
	dstBuf, err := b.castBuffer(dst)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	srcBuf, err := b.castBuffer(src)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(dstBuf.data) != len(srcBuf.data) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"buffer on %s has %d bytes, buffer on %s has %d bytes",
			dstBuf.device.place, len(dstBuf.data), srcBuf.device.place, len(srcBuf.data))}
	}
	return dstBuf.device.enqueue(func() (int, error) {
		srcData, err := srcBuf.lockedData()
		if err != nil {
			return 0, err
		}
		dstData, err := dstBuf.lockedData()
		if err != nil {
			return 0, err
		}
		return b.copyBytes(dstBuf.device.place, dstData, srcData), nil
	})
}

// lockedData returns the buffer storage, or an error if it was finalized in the meantime.
func (buf *Buffer) lockedData() ([]byte, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if !buf.valid {
		return nil, errors.Wrapf(backends.ErrTransfer, "buffer on %s finalized during transfer", buf.device.place)
	}
	return buf.data, nil
}

// Finalize implements backends.Backend: it stops the transfer queues, pending transfers are completed first.
func (b *Backend) Finalize() {
	b.muFinalize.Lock()
	defer b.muFinalize.Unlock()
	if b.finalized.Load() {
		return
	}
	b.finalized.Store(true)
	for _, d := range b.devices {
		d.stop()
	}
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool {
	return b.finalized.Load()
}
