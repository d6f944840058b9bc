// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build pjrt

// Package pjrt implements a device backend using a PJRT plugin (see github.com/gomlx/gopjrt).
//
// It requires the PJRT plugin shared libraries to be installed, hence it is only compiled with
// the build tag `pjrt`.
//
// The configuration is "<plugin>[,kind=<kind>]", e.g.: "pjrt:cuda" or "pjrt:cpu,kind=customdevice".
// The plugin "cuda" (or "gpu") serves places.GPU places, any other plugin serves places.CustomDevice,
// unless a kind is given.
package pjrt

import (
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/pjrt"
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOMLX_DEVICE_BACKEND to specify this backend.
const BackendName = "pjrt"

// DefaultPlugin is used if no plugin is given in the configuration.
var DefaultPlugin = "cuda"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend using a PJRT client.
type Backend struct {
	pluginName string
	kind       places.Kind
	plugin     *pjrt.Plugin
	client     *pjrt.Client
	numDevices int

	mu        sync.Mutex
	finalized bool
}

var _ backends.Backend = &Backend{}

// New creates a PJRT backend for the plugin given in config.
func New(config string) (backends.Backend, error) {
	pluginName := DefaultPlugin
	var kindName string
	for ii, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			if key != "kind" {
				return nil, errors.Errorf("backend %q: unknown option %q", BackendName, part)
			}
			kindName = value
			continue
		}
		if ii != 0 {
			return nil, errors.Errorf("backend %q: plugin name must come first, got %q", BackendName, config)
		}
		pluginName = part
	}

	kind := places.CustomDevice
	if pluginName == "cuda" || pluginName == "gpu" {
		kind = places.GPU
	}
	if kindName != "" {
		var err error
		kind, err = places.ParseKind(kindName)
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %q", BackendName)
		}
		if !kind.IsAccelerator() {
			return nil, errors.Errorf("backend %q: kind must be an accelerator, got %q", BackendName, kindName)
		}
	}

	plugin, err := pjrt.GetPlugin(pluginName)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: failed to load plugin %q", BackendName, pluginName)
	}
	client, err := plugin.NewClient(nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q: failed to create client for plugin %q", BackendName, pluginName)
	}
	b := &Backend{
		pluginName: pluginName,
		kind:       kind,
		plugin:     plugin,
		client:     client,
		numDevices: len(client.AddressableDevices()),
	}
	klog.V(1).Infof("backend %q: plugin %s, %d addressable device(s) served as %s", BackendName, plugin, b.numDevices, kind)
	return b, nil
}

// Buffer holds a PJRT buffer of bytes on one device.
type Buffer struct {
	place    places.Place
	numBytes int

	mu   sync.Mutex
	pBuf *pjrt.Buffer
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName + ":" + b.pluginName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return b.client.String()
}

// Kind implements backends.Backend.
func (b *Backend) Kind() places.Kind { return b.kind }

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return b.numDevices }

// Capabilities implements backends.Backend. Transfers are synchronous, and there are no peer copies.
func (b *Backend) Capabilities() backends.Capabilities {
	return backends.Capabilities{}
}

// fromHost creates a new PJRT buffer with the given bytes, seen as a vector of uint8.
func (b *Backend) fromHost(place places.Place, data []byte) (*pjrt.Buffer, error) {
	return b.client.BufferFromHost().
		FromRawData(data, dtypes.Uint8, []int{len(data)}).
		ToDeviceNum(place.Index).
		Done()
}

func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("backend %q: invalid buffer type %T", BackendName, buffer)
	}
	return buf, nil
}

// Allocate implements backends.DataInterface. The buffer is allocated zero-filled.
func (b *Backend) Allocate(place places.Place, numBytes int) (backends.Buffer, error) {
	if err := backends.CheckPlace(b, place); err != nil {
		return nil, err
	}
	if place.IsHost() {
		return nil, errors.Wrapf(backends.ErrUnsupportedPlace, "backend %q doesn't allocate host buffers", BackendName)
	}
	pBuf, err := b.fromHost(place, make([]byte, numBytes))
	if err != nil {
		return nil, errors.Wrapf(backends.ErrOutOfMemory, "allocating %d bytes on %s: %v", numBytes, place, err)
	}
	return &Buffer{place: place, numBytes: numBytes, pBuf: pBuf}, nil
}

// BufferFinalize implements backends.DataInterface.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.pBuf == nil {
		return errors.Errorf("backend %q: buffer already finalized", BackendName)
	}
	err = buf.pBuf.Destroy()
	buf.pBuf = nil
	return err
}

// BufferSize implements backends.DataInterface.
func (b *Backend) BufferSize(buffer backends.Buffer) (int, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return buf.numBytes, nil
}

// BufferPlace implements backends.DataInterface.
func (b *Backend) BufferPlace(buffer backends.Buffer) (places.Place, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return places.Place{}, err
	}
	return buf.place, nil
}

// TransferToDevice implements backends.DataInterface.
//
// PJRT buffers are immutable, so the zero-filled buffer created by Allocate is replaced by a new one with the contents.
func (b *Backend) TransferToDevice(dst backends.Buffer, src []byte) backends.Event {
	buf, err := b.castBuffer(dst)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	if len(src) != buf.numBytes {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"device buffer on %s has %d bytes, source has %d bytes", buf.place, buf.numBytes, len(src))}
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.pBuf == nil {
		return backends.DoneEvent{Err: errors.Errorf("backend %q: buffer already finalized", BackendName)}
	}
	if err := buf.pBuf.Destroy(); err != nil {
		klog.Warningf("backend %q: failed to destroy buffer on %s: %+v", BackendName, buf.place, err)
	}
	buf.pBuf, err = b.fromHost(buf.place, src)
	if err != nil {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer, "transfer to %s: %v", buf.place, err)}
	}
	return backends.DoneEvent{NumBytes: len(src)}
}

// TransferToHost implements backends.DataInterface.
func (b *Backend) TransferToHost(dst []byte, src backends.Buffer) backends.Event {
	buf, err := b.castBuffer(src)
	if err != nil {
		return backends.DoneEvent{Err: err}
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.pBuf == nil {
		return backends.DoneEvent{Err: errors.Errorf("backend %q: buffer already finalized", BackendName)}
	}
	size, err := buf.pBuf.Size()
	if err != nil {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer, "size of buffer on %s: %v", buf.place, err)}
	}
	if size != len(dst) {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer,
			"device buffer on %s has %d bytes, destination has %d bytes", buf.place, size, len(dst))}
	}
	if err := buf.pBuf.ToHost(dst); err != nil {
		return backends.DoneEvent{Err: errors.Wrapf(backends.ErrTransfer, "transfer from %s: %v", buf.place, err)}
	}
	return backends.DoneEvent{NumBytes: size}
}

// TransferBetweenDevices is not supported by this backend.
func (b *Backend) TransferBetweenDevices(dst, src backends.Buffer) backends.Event {
	return backends.DoneEvent{Err: errors.Wrapf(backends.ErrNotImplemented, "backend %q has no peer copies", BackendName)}
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	if err := b.client.Destroy(); err != nil {
		klog.Warningf("backend %q: failed to destroy client: %+v", BackendName, err)
	}
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}
