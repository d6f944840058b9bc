// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/inference/backends"
	_ "github.com/gomlx/inference/backends/default"
	"github.com/gomlx/inference/backends/simdevice"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/gomlx/inference/pkg/inference/analysis/passes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPass records the passes run, and optionally fails.
type recordingPass struct {
	name string
	runs *[]string
	err  error
}

func (p *recordingPass) Repr() string { return p.name }

func (p *recordingPass) Run(*analysis.Argument) error {
	*p.runs = append(*p.runs, p.name)
	return p.err
}

func newScope() *scope.Scope {
	s := scope.New()
	s.Var("w").SetPersistent(true).WithValue(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
	s.Var("b").SetPersistent(true).WithValue(tensors.FromScalar(float32(0.5)))
	s.Var("activation").WithValue(tensors.FromScalar(float32(0)))
	return s
}

func TestArgument(t *testing.T) {
	s := scope.New()
	arg := analysis.NewArgument(places.HostPlace(), s, nil)
	assert.NotEqual(t, analysis.NewArgument(places.HostPlace(), s, nil).RunID, arg.RunID)
	require.NoError(t, arg.Validate())
	arg.SetParamNames("a", "b", "a")
	assert.Equal(t, []string{"a", "b"}, arg.ParamNames)

	arg.Place = places.GPUPlace(0)
	err := arg.Validate()
	assert.ErrorIs(t, err, analysis.ErrConfiguration)
	assert.ErrorIs(t, err, backends.ErrUnsupportedPlace)

	arg.Backend = simdevice.NewWithConfig(simdevice.DefaultConfig())
	defer arg.Backend.Finalize()
	require.NoError(t, arg.Validate())

	arg.Scope = nil
	assert.ErrorIs(t, arg.Validate(), analysis.ErrConfiguration)
	var nilArg *analysis.Argument
	assert.ErrorIs(t, nilArg.Validate(), analysis.ErrConfiguration)
}

func TestAnalyzerRunsInOrder(t *testing.T) {
	var runs []string
	failure := errors.New("pass failed")
	analyzer := analysis.NewAnalyzerWithPasses(
		&recordingPass{name: "first", runs: &runs},
		&recordingPass{name: "second", runs: &runs, err: failure},
		&recordingPass{name: "third", runs: &runs},
	)
	assert.Len(t, analyzer.Passes(), 3)
	err := analyzer.Run(analysis.NewArgument(places.HostPlace(), scope.New(), nil))
	require.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), `"second"`)
	assert.Equal(t, []string{"first", "second"}, runs)

	// Configuration errors are reported before any pass runs.
	runs = nil
	err = analyzer.Run(analysis.NewArgument(places.NPUPlace(0), scope.New(), nil))
	require.ErrorIs(t, err, analysis.ErrConfiguration)
	assert.Empty(t, runs)
}

func TestRegistry(t *testing.T) {
	assert.Subset(t, analysis.ListPasses(), []string{passes.ParamsCollectName, passes.DeviceParamsSyncName})
	_, err := analysis.NewPass("no-such-pass", &analysis.Config{})
	assert.ErrorIs(t, err, analysis.ErrConfiguration)

	err = exceptions.TryCatch[error](func() {
		analysis.RegisterPass(passes.DeviceParamsSyncName, nil)
	})
	assert.Error(t, err)
}

func TestConfiguredPipeline(t *testing.T) {
	cfg := &analysis.Config{
		Place:           places.NPUPlace(1),
		BackendConfig:   "sim:npu,devices=2,memory=1MiB",
		Parallelism:     2,
		VerifyTransfers: true,
	}
	analyzer, err := analysis.NewAnalyzer(cfg)
	require.NoError(t, err)
	require.Len(t, analyzer.Passes(), 2)
	assert.Equal(t, passes.ParamsCollectName, analyzer.Passes()[0].Repr())
	assert.Equal(t, passes.DeviceParamsSyncName, analyzer.Passes()[1].Repr())

	s := newScope()
	arg, err := cfg.NewArgument(s)
	require.NoError(t, err)
	require.NotNil(t, arg.Backend)
	defer arg.Backend.Finalize()
	require.NoError(t, analyzer.Run(arg))

	assert.Equal(t, []string{"b", "w"}, arg.ParamNames)
	for _, name := range arg.ParamNames {
		value, err := s.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, places.NPUPlace(1), value.Place())
	}
	activation, err := s.Lookup("activation")
	require.NoError(t, err)
	assert.Equal(t, places.HostPlace(), activation.Place())

	sync := analyzer.Passes()[1].(*passes.DeviceParamsSyncPass)
	assert.Equal(t, 2, sync.LastStats().Copied)
	assert.Equal(t, uint64(16), sync.LastStats().BytesCopied)
}

func TestConfigErrors(t *testing.T) {
	cfg := &analysis.Config{Place: places.GPUPlace(0), BackendConfig: "no-such-backend:"}
	_, err := cfg.NewArgument(scope.New())
	assert.ErrorIs(t, err, analysis.ErrConfiguration)

	// The no-accelerator backend can't serve a GPU.
	cfg = &analysis.Config{Place: places.GPUPlace(0), BackendConfig: "host"}
	_, err = cfg.NewArgument(scope.New())
	assert.ErrorIs(t, err, analysis.ErrConfiguration)
	assert.ErrorIs(t, err, backends.ErrUnsupportedPlace)

	// Host targets need no backend.
	cfg = &analysis.Config{Place: places.HostPlace()}
	arg, err := cfg.NewArgument(scope.New(), "x")
	require.NoError(t, err)
	assert.Nil(t, arg.Backend)
	assert.Equal(t, []string{"x"}, arg.ParamNames)
}
