// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/core/tensors/numpy"
	"github.com/gomlx/inference/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParams(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2), filepath.Join(dir, "dense.npy")))
	require.NoError(t, numpy.ToNpyFile(tensors.FromScalar(int32(7)), filepath.Join(dir, "step.npy")))
	npzPath := filepath.Join(t.TempDir(), "model.npz")
	require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{
		"embeddings": tensors.FromFlatDataAndDimensions([]float64{0.5, 1.5}, 2),
	}, npzPath))

	s := scope.New()
	n, err := loadParams(s, dir, sets.MakeWith("step"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"dense"}, s.PersistentVarNames())
	dense, err := s.Lookup("dense")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, dense.Shape().Dimensions)

	n, err = loadParams(s, npzPath, sets.Make[string]())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dense", "embeddings"}, s.PersistentVarNames())

	_, err = loadParams(s, t.TempDir(), sets.Make[string]())
	assert.Error(t, err)
	_, err = loadParams(s, filepath.Join(dir, "missing.npy"), sets.Make[string]())
	assert.Error(t, err)
}

func TestRunLoadErrors(t *testing.T) {
	var err error
	require.NotPanics(t, func() { err = run(filepath.Join(t.TempDir(), "missing.npz")) })
	assert.Error(t, err)
	require.NotPanics(t, func() { err = run(t.TempDir()) })
	assert.Error(t, err)
}

func TestFreeUnowned(t *testing.T) {
	s := scope.New()
	owned := tensors.FromScalar(float32(1))
	s.Var("owned").WithValue(owned)
	unowned := tensors.FromScalar(float32(2))
	freeUnowned(map[string]*tensors.Tensor{"owned": owned, "unowned": unowned}, []string{"owned", "unowned", "absent"})
	assert.True(t, owned.Ok())
	assert.False(t, unowned.Ok())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Empty(t, splitList(""))
}
