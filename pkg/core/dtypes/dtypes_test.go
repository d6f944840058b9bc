// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromName(t *testing.T) {
	for name, want := range map[string]DType{
		"Float32": Float32,
		"float32": Float32,
		"F32":     Float32,
		"bf16":    BFloat16,
		"Uint8":   Uint8,
	} {
		got, err := FromName(name)
		require.NoErrorf(t, err, "FromName(%q)", name)
		assert.Equalf(t, want, got, "FromName(%q)", name)
	}
	_, err := FromName("float128")
	require.Error(t, err)
}

func TestSize(t *testing.T) {
	assert.Equal(t, 1, Bool.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Complex64.Size())
	assert.Equal(t, 16, Complex128.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.False(t, InvalidDType.IsSupported())
	assert.True(t, Int16.IsSupported())
}

func TestSizeForDimensions(t *testing.T) {
	assert.Equal(t, 4, Float32.SizeForDimensions())
	assert.Equal(t, 4*3*2, Float32.SizeForDimensions(3, 2))
	assert.Equal(t, 0, Int64.SizeForDimensions(0, 7))
	assert.Panics(t, func() { Int64.SizeForDimensions(-1) })
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, Float64, FromGenericsType[float64]())
	assert.Equal(t, Uint32, FromGenericsType[uint32]())
	assert.Equal(t, Complex128, FromGenericsType[complex128]())
	assert.Equal(t, "Int8", FromGenericsType[int8]().String())
}
