// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/backends/host"
	"github.com/gomlx/inference/backends/simdevice"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/gomlx/inference/pkg/inference/analysis/passes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, config string) *simdevice.Backend {
	backend := simdevice.NewWithConfig(must.M1(simdevice.ParseConfig(config)))
	t.Cleanup(backend.Finalize)
	return backend
}

// iota32 returns a float32 tensor of size n with values 0, 1, ..., n-1.
func iota32(n int) *tensors.Tensor {
	flat := make([]float32, n)
	for ii := range flat {
		flat[ii] = float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(flat, n)
}

// newModelScope returns a scope with w1 (4096 bytes) and w2 (128 bytes) persistent, and tmp (64 bytes) transient.
func newModelScope() *scope.Scope {
	s := scope.New()
	s.Var("w1").SetPersistent(true).WithValue(iota32(1024))
	s.Var("w2").SetPersistent(true).WithValue(iota32(32))
	s.Var("tmp").WithValue(iota32(16))
	return s
}

func placeOf(t *testing.T, s *scope.Scope, name string) places.Place {
	value, err := s.Lookup(name)
	require.NoError(t, err)
	require.NotNil(t, value)
	return value.Place()
}

func TestSyncScenario(t *testing.T) {
	backend := newSim(t, "gpu")
	s := newModelScope()
	tmp := s.FindVar("tmp").Value()
	pass := passes.NewDeviceParamsSyncPass()
	assert.Equal(t, "device-parameter-sync", pass.Repr())

	arg := analysis.NewArgument(places.GPUPlace(0), s, backend)
	require.NoError(t, pass.Run(arg))
	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w1"))
	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w2"))
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "tmp"))
	assert.Same(t, tmp, s.FindVar("tmp").Value(), "transient variables are untouched")

	stats := pass.LastStats()
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, uint64(4096+128), stats.BytesCopied)
	assert.Equal(t, uint64(4096+128), backend.Stats().BytesInUse)

	// Byte length and dtype are preserved, and the contents too.
	w1 := must.M1(s.Lookup("w1"))
	assert.Equal(t, uintptr(4096), w1.Memory())
	flat := must.M1(tensors.CopyFlatData[float32](w1))
	assert.Equal(t, float32(1023), flat[1023])
}

func TestSyncAllocationFailure(t *testing.T) {
	backend := newSim(t, "gpu")
	s := newModelScope()
	oldW2 := s.FindVar("w2").Value()
	backend.FailAllocations(func(_ places.Place, numBytes int) bool { return numBytes == 128 })

	pass := passes.NewDeviceParamsSyncPass()
	err := pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend))
	require.Error(t, err)
	assert.ErrorIs(t, err, backends.ErrOutOfMemory)
	var syncErr *passes.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "w2", syncErr.Param)
	assert.Equal(t, places.GPUPlace(0), syncErr.Place)
	assert.Contains(t, err.Error(), `"w2"`)

	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w1"))
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w2"))
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "tmp"))
	assert.Same(t, oldW2, s.FindVar("w2").Value())
	assert.True(t, oldW2.Ok())

	// A new run completes the remaining parameters.
	backend.ClearFaults()
	require.NoError(t, pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w2"))
	assert.Equal(t, 1, pass.LastStats().Copied)
	assert.Equal(t, 1, pass.LastStats().Skipped)
}

func TestSyncIdempotent(t *testing.T) {
	backend := newSim(t, "npu,devices=2")
	s := newModelScope()
	pass := passes.NewDeviceParamsSyncPass()
	require.NoError(t, pass.Run(analysis.NewArgument(places.NPUPlace(1), s, backend)))
	w1 := s.FindVar("w1").Value()
	before := backend.Stats()

	require.NoError(t, pass.Run(analysis.NewArgument(places.NPUPlace(1), s, backend)))
	after := backend.Stats()
	assert.Equal(t, before.Allocations, after.Allocations, "second run must not allocate")
	assert.Equal(t, before.Transfers, after.Transfers)
	assert.Same(t, w1, s.FindVar("w1").Value())
	assert.Equal(t, 2, pass.LastStats().Skipped)
	assert.Equal(t, 0, pass.LastStats().Copied)
}

func TestSyncVerifyTransfers(t *testing.T) {
	backend := newSim(t, "customdevice")
	s := newModelScope()
	want := map[string][]byte{}
	for _, name := range []string{"w1", "w2"} {
		want[name] = must.M1(must.M1(s.Lookup(name)).HostBytes())
	}
	pass := passes.NewDeviceParamsSyncPass(passes.WithVerifyTransfers(true))
	require.NoError(t, pass.Run(analysis.NewArgument(places.CustomDevicePlace(0), s, backend)))
	for name, data := range want {
		got := must.M1(s.Lookup(name))
		assert.Equal(t, places.CustomDevicePlace(0), got.Place())
		assert.Equal(t, data, must.M1(got.HostBytes()), "parameter %q", name)
	}
}

// corruptReadBackend flips the first byte of everything read back from the device.
type corruptReadBackend struct {
	*simdevice.Backend
}

func (b corruptReadBackend) TransferToHost(dst []byte, src backends.Buffer) backends.Event {
	n, err := b.Backend.TransferToHost(dst, src).Await()
	if err == nil && n > 0 {
		dst[0] ^= 0xff
	}
	return backends.DoneEvent{NumBytes: n, Err: err}
}

func TestSyncVerifyMismatch(t *testing.T) {
	sim := newSim(t, "gpu")
	backend := corruptReadBackend{sim}
	s := newModelScope()
	w1 := s.FindVar("w1").Value()

	pass := passes.NewDeviceParamsSyncPass(passes.WithVerifyTransfers(true))
	err := pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend))
	require.ErrorIs(t, err, backends.ErrTransfer)
	var syncErr *passes.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "w1", syncErr.Param)
	assert.Same(t, w1, s.FindVar("w1").Value(), "mismatched copies are not installed")
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w2"))
	assert.Equal(t, int64(0), sim.Stats().LiveBuffers, "mismatched copies are freed")
	assert.Equal(t, uint64(0), sim.Stats().BytesInUse)

	// Without verification the corrupted read back goes unnoticed.
	require.NoError(t, passes.NewDeviceParamsSyncPass().Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w1"))
	assert.Equal(t, int64(2), sim.Stats().LiveBuffers)
}

func TestSyncTruncatedTransfer(t *testing.T) {
	backend := newSim(t, "gpu")
	s := newModelScope()
	backend.TruncateTransfers(func(_ places.Place, numBytes int) bool { return numBytes == 4096 })
	err := passes.NewDeviceParamsSyncPass().Run(analysis.NewArgument(places.GPUPlace(0), s, backend))
	require.ErrorIs(t, err, backends.ErrTransfer)
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w1"))
	assert.Equal(t, uint64(0), backend.Stats().BytesInUse, "failed copies are freed")
}

func TestSyncHostNoOp(t *testing.T) {
	s := newModelScope()
	w1 := s.FindVar("w1").Value()
	for _, backend := range []backends.Backend{nil, must.M1(host.New("")), newSim(t, "gpu")} {
		pass := passes.NewDeviceParamsSyncPass()
		require.NoError(t, pass.Run(analysis.NewArgument(places.HostPlace(), s, backend)))
		assert.Same(t, w1, s.FindVar("w1").Value())
		stats := pass.LastStats()
		stats.Elapsed = 0
		assert.Equal(t, passes.SyncStats{}, stats)
		if sim, ok := backend.(*simdevice.Backend); ok {
			assert.Equal(t, int64(0), sim.Stats().Allocations)
		}
	}
}

func TestSyncConfigurationErrors(t *testing.T) {
	s := newModelScope()
	pass := passes.NewDeviceParamsSyncPass()

	// No backend for a device place.
	err := pass.Run(analysis.NewArgument(places.GPUPlace(0), s, nil))
	assert.ErrorIs(t, err, analysis.ErrConfiguration)
	assert.ErrorIs(t, err, backends.ErrUnsupportedPlace)

	// The no-accelerator backend can't serve a device place.
	err = pass.Run(analysis.NewArgument(places.NPUPlace(0), s, must.M1(host.New(""))))
	assert.ErrorIs(t, err, analysis.ErrConfiguration)

	// Kind mismatch, and device index out of range.
	backend := newSim(t, "gpu")
	err = pass.Run(analysis.NewArgument(places.NPUPlace(0), s, backend))
	assert.ErrorIs(t, err, analysis.ErrConfiguration)
	err = pass.Run(analysis.NewArgument(places.GPUPlace(1), s, backend))
	assert.ErrorIs(t, err, analysis.ErrConfiguration)

	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w1"), "nothing copied")
	assert.Equal(t, int64(0), backend.Stats().Allocations)

	err = pass.Run(&analysis.Argument{Place: places.GPUPlace(0), Backend: backend})
	assert.ErrorIs(t, err, analysis.ErrConfiguration)
}

func TestSyncMissingParameter(t *testing.T) {
	backend := newSim(t, "gpu")
	s := newModelScope()
	arg := analysis.NewArgument(places.GPUPlace(0), s, backend).SetParamNames("w1", "missing")
	err := passes.NewDeviceParamsSyncPass().Run(arg)
	assert.ErrorIs(t, err, analysis.ErrMissingParameter)
	assert.Contains(t, err.Error(), "missing")
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w1"), "missing names are detected before any copy")

	// Variable with no value.
	s.Var("empty").SetPersistent(true)
	err = passes.NewDeviceParamsSyncPass().Run(analysis.NewArgument(places.GPUPlace(0), s, backend))
	assert.ErrorIs(t, err, analysis.ErrMissingParameter)
	var syncErr *passes.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "empty", syncErr.Param)
}

func TestSyncExplicitNames(t *testing.T) {
	backend := newSim(t, "gpu")
	s := newModelScope()
	arg := analysis.NewArgument(places.GPUPlace(0), s, backend).SetParamNames("w2", "tmp", "w2")
	assert.Equal(t, []string{"w2", "tmp"}, arg.ParamNames)
	pass := passes.NewDeviceParamsSyncPass()
	require.NoError(t, pass.Run(arg))
	assert.Equal(t, places.GPUPlace(0), placeOf(t, s, "w2"))
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "w1"), "not listed")
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "tmp"), "not persistent")
	assert.Equal(t, 1, pass.LastStats().Transient)
}

func TestSyncAliasing(t *testing.T) {
	backend := newSim(t, "gpu")
	s := scope.New()
	shared := iota32(64)
	s.Var("embeddings").SetPersistent(true).WithValue(shared)
	s.Var("tied_output").SetPersistent(true).WithValue(shared)
	require.Equal(t, 2, shared.Refs())

	pass := passes.NewDeviceParamsSyncPass()
	require.NoError(t, pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
	a := must.M1(s.Lookup("embeddings"))
	b := must.M1(s.Lookup("tied_output"))
	assert.Same(t, a, b, "both names hold the same device copy")
	assert.Equal(t, 2, a.Refs())
	assert.Equal(t, int64(1), backend.Stats().Allocations)
	assert.False(t, shared.Ok(), "host storage freed once both names let go of it")
	assert.Equal(t, 1, pass.LastStats().Copied)
	assert.Equal(t, 1, pass.LastStats().Aliased)
}

func TestSyncParallel(t *testing.T) {
	backend := newSim(t, "gpu,streams=4")
	s := scope.New()
	const numParams = 40
	for ii := range numParams {
		s.Var(fmt.Sprintf("p%02d", ii)).SetPersistent(true).WithValue(iota32(ii + 1))
	}
	var muProgress sync.Mutex
	progress := map[passes.Action]int{}
	pass := passes.NewDeviceParamsSyncPass(
		passes.WithParallelism(4),
		passes.WithVerifyTransfers(true),
		passes.WithProgress(func(_ string, action passes.Action) {
			muProgress.Lock()
			defer muProgress.Unlock()
			progress[action]++
		}))
	require.NoError(t, pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
	for _, name := range s.LocalVarNames() {
		assert.Equal(t, places.GPUPlace(0), placeOf(t, s, name))
	}
	assert.Equal(t, numParams, progress[passes.ActionCopied])
	assert.Equal(t, int64(numParams), backend.Stats().Allocations)
}

func TestSyncParallelFailure(t *testing.T) {
	backend := newSim(t, "gpu,streams=4")
	s := scope.New()
	const numParams = 30
	for ii := range numParams {
		s.Var(fmt.Sprintf("p%02d", ii)).SetPersistent(true).WithValue(iota32(ii + 1))
	}
	// p12 holds 13 float32 values.
	backend.FailAllocations(func(_ places.Place, numBytes int) bool { return numBytes == 13*4 })

	pass := passes.NewDeviceParamsSyncPass(passes.WithParallelism(4))
	err := pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend))
	require.ErrorIs(t, err, backends.ErrOutOfMemory)
	var syncErr *passes.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "p12", syncErr.Param)
	assert.Equal(t, places.HostPlace(), placeOf(t, s, "p12"))

	var moved int
	for _, name := range s.LocalVarNames() {
		if placeOf(t, s, name) == places.GPUPlace(0) {
			moved++
		}
	}
	// Parameters scheduled before the failure are all moved.
	assert.GreaterOrEqual(t, moved, 12)
	assert.Less(t, moved, numParams)
	assert.Equal(t, moved, pass.LastStats().Copied)
	assert.Equal(t, int64(moved), backend.Stats().LiveBuffers, "no buffers leaked")

	// A new run completes the rest.
	backend.ClearFaults()
	require.NoError(t, pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
	for _, name := range s.LocalVarNames() {
		assert.Equal(t, places.GPUPlace(0), placeOf(t, s, name))
	}
	assert.Equal(t, numParams-moved, pass.LastStats().Copied)
	assert.Equal(t, moved, pass.LastStats().Skipped)
	assert.Equal(t, int64(numParams), backend.Stats().LiveBuffers)
}

func TestSyncConcurrentRuns(t *testing.T) {
	backend := newSim(t, "gpu,streams=2")
	s := scope.New()
	const numParams = 20
	for ii := range numParams {
		s.Var(fmt.Sprintf("p%02d", ii)).SetPersistent(true).WithValue(iota32(8))
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pass := passes.NewDeviceParamsSyncPass(passes.WithParallelism(2))
			assert.NoError(t, pass.Run(analysis.NewArgument(places.GPUPlace(0), s, backend)))
		}()
	}
	wg.Wait()
	for _, name := range s.LocalVarNames() {
		assert.Equal(t, places.GPUPlace(0), placeOf(t, s, name))
	}
	assert.Equal(t, int64(numParams), backend.Stats().Allocations, "each parameter copied exactly once")
	assert.Equal(t, int64(numParams), backend.Stats().LiveBuffers)
}
