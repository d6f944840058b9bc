// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/backends/notimplemented"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// npuBackend is a mock that claims to serve two NPU devices.
type npuBackend struct {
	notimplemented.Backend
	config string
}

func (b *npuBackend) Name() string      { return "mock-npu" }
func (b *npuBackend) Kind() places.Kind { return places.NPU }
func (b *npuBackend) NumDevices() int   { return 2 }

func init() {
	backends.Register("mock-npu", func(config string) (backends.Backend, error) {
		return &npuBackend{config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, backends.List(), "mock-npu")

	backend, err := backends.NewWithConfig("mock-npu:some,config")
	require.NoError(t, err)
	assert.Equal(t, "some,config", backend.(*npuBackend).config)

	backend, err = backends.NewWithConfig("mock-npu")
	require.NoError(t, err)
	assert.Equal(t, "", backend.(*npuBackend).config)

	// Only one backend is registered in this test binary, so it is the default.
	t.Setenv(backends.ConfigEnvVar, "")
	backend = backends.MustNew()
	assert.Equal(t, "mock-npu", backend.Name())

	_, err = backends.NewWithConfig("unknown:x")
	assert.Error(t, err)

	err = exceptions.TryCatch[error](func() {
		backends.Register("mock-npu", nil)
	})
	assert.Error(t, err)
}

func TestCheckPlace(t *testing.T) {
	backend := backends.MustNewWithConfig("mock-npu")
	assert.NoError(t, backends.CheckPlace(backend, places.HostPlace()))
	assert.NoError(t, backends.CheckPlace(nil, places.HostPlace()))
	assert.NoError(t, backends.CheckPlace(backend, places.NPUPlace(1)))
	assert.ErrorIs(t, backends.CheckPlace(backend, places.NPUPlace(2)), backends.ErrUnsupportedPlace)
	assert.ErrorIs(t, backends.CheckPlace(backend, places.GPUPlace(0)), backends.ErrUnsupportedPlace)
	assert.ErrorIs(t, backends.CheckPlace(nil, places.GPUPlace(0)), backends.ErrUnsupportedPlace)
	assert.ErrorIs(t, backends.CheckPlace(backend, places.Place{Kind: places.NPU, Index: -1}), backends.ErrUnsupportedPlace)

	backend.Finalize()
	assert.True(t, backend.IsFinalized())
	assert.ErrorIs(t, backends.CheckPlace(backend, places.NPUPlace(0)), backends.ErrUnsupportedPlace)
}

func TestDoneEvent(t *testing.T) {
	n, err := backends.DoneEvent{NumBytes: 7}.Await()
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	backend := &notimplemented.Backend{}
	_, err = backend.Allocate(places.GPUPlace(0), 8)
	assert.ErrorIs(t, err, backends.ErrNotImplemented)
	_, err = backend.TransferToHost(nil, nil).Await()
	assert.ErrorIs(t, err, backends.ErrNotImplemented)
}
