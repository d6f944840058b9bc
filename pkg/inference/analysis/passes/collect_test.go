// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes_test

import (
	"testing"

	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/gomlx/inference/pkg/inference/analysis/passes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsCollect(t *testing.T) {
	s := newModelScope()
	kid := s.NewScope("block")
	kid.Var("w3").SetPersistent(true).WithValue(iota32(4))
	kid.Var("w1").WithValue(iota32(4)) // Shadows the persistent w1 with a transient one.

	pass := passes.NewParamsCollectPass()
	assert.Equal(t, "persistable-params-collect", pass.Repr())
	arg := analysis.NewArgument(places.HostPlace(), kid, nil)
	require.NoError(t, pass.Run(arg))
	assert.Equal(t, []string{"w2", "w3"}, arg.ParamNames)

	// Given names are kept, with repetitions removed.
	arg.ParamNames = []string{"w3", "w1", "w3"}
	require.NoError(t, pass.Run(arg))
	assert.Equal(t, []string{"w3", "w1"}, arg.ParamNames)

	assert.ErrorIs(t, pass.Run(&analysis.Argument{}), analysis.ErrConfiguration)
}
