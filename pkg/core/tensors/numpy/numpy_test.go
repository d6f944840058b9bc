// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/gomlx/inference/pkg/core/dtypes"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// npyBytes builds a .npy v1.0 file with the given header dictionary and data.
func npyBytes(header string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestParseNpyHeader(t *testing.T) {
	h, err := parseNpyHeader("{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }")
	require.NoError(t, err)
	assert.Equal(t, "<f4", h.descr)
	assert.False(t, h.fortranOrder)
	assert.Equal(t, []int{1, 2, 3}, h.dimensions)

	h, err = parseNpyHeader("{'descr': '|u1', 'fortran_order': True, 'shape': (10,), }")
	require.NoError(t, err)
	assert.True(t, h.fortranOrder)
	assert.Equal(t, []int{10}, h.dimensions)

	h, err = parseNpyHeader("{'descr': '<i8', 'fortran_order': False, 'shape': (), }")
	require.NoError(t, err)
	assert.Empty(t, h.dimensions)

	_, err = parseNpyHeader("{'fortran_order': False, 'shape': (), }")
	assert.Error(t, err)
	_, err = parseNpyHeader("{'descr': '<i8', 'fortran_order': False, 'shape': (x,), }")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	original := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	var buf bytes.Buffer
	require.NoError(t, ToNpyWriter(original, &buf))
	// Preamble and header are padded to a multiple of 64 bytes.
	assert.Zero(t, (buf.Len()-24)%64)

	loaded, err := FromNpyReader(&buf)
	require.NoError(t, err)
	assert.True(t, original.Shape().Equal(loaded.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, must.M1(tensors.CopyFlatData[float32](loaded)))

	half := tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5)}, 1)
	buf.Reset()
	require.NoError(t, ToNpyWriter(half, &buf))
	loaded = must.M1(FromNpyReader(&buf))
	assert.Equal(t, dtypes.Float16, loaded.DType())

	scalar := tensors.FromScalar(int64(7))
	buf.Reset()
	require.NoError(t, ToNpyWriter(scalar, &buf))
	loaded = must.M1(FromNpyReader(&buf))
	assert.Equal(t, 0, loaded.Rank())
	assert.Equal(t, []int64{7}, must.M1(tensors.CopyFlatData[int64](loaded)))
}

func TestFortranOrder(t *testing.T) {
	// Matrix [[1, 2, 3], [4, 5, 6]] in column-major order.
	data := []byte{1, 4, 2, 5, 3, 6}
	header := "{'descr': '|u1', 'fortran_order': True, 'shape': (2, 3), }"
	loaded, err := FromNpyReader(bytes.NewReader(npyBytes(header, data)))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, must.M1(tensors.CopyFlatData[uint8](loaded)))

	cData := make([]byte, 8)
	require.NoError(t, FortranToCLayout(1, []int{2, 2, 2}, []byte{0, 4, 2, 6, 1, 5, 3, 7}, cData))
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, cData)
	assert.Error(t, FortranToCLayout(1, []int{2, 2}, []byte{1}, cData))
}

func TestInvalid(t *testing.T) {
	_, err := FromNpyReader(bytes.NewReader([]byte("not a numpy file")))
	assert.Error(t, err)

	header := "{'descr': '>f4', 'fortran_order': False, 'shape': (1,), }"
	_, err = FromNpyReader(bytes.NewReader(npyBytes(header, make([]byte, 4))))
	assert.Error(t, err)

	header = "{'descr': '<f4', 'fortran_order': False, 'shape': (2,), }"
	_, err = FromNpyReader(bytes.NewReader(npyBytes(header, make([]byte, 4))))
	assert.Error(t, err, "truncated data")

	header = "{'descr': '<U8', 'fortran_order': False, 'shape': (1,), }"
	_, err = FromNpyReader(bytes.NewReader(npyBytes(header, make([]byte, 32))))
	assert.Error(t, err)
}

func TestNpz(t *testing.T) {
	dir := t.TempDir()
	npzPath := filepath.Join(dir, "params.npz")
	params := map[string]*tensors.Tensor{
		"w1": tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
		"b1": tensors.FromScalar(int32(3)),
	}
	require.NoError(t, ToNpzFile(params, npzPath))
	loaded, err := FromNpzFile(npzPath)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, []float32{1, 2}, must.M1(tensors.CopyFlatData[float32](loaded["w1"])))
	assert.Equal(t, []int32{3}, must.M1(tensors.CopyFlatData[int32](loaded["b1"])))

	npyPath := filepath.Join(dir, "w1.npy")
	require.NoError(t, ToNpyFile(params["w1"], npyPath))
	w1 := must.M1(FromNpyFile(npyPath))
	assert.Equal(t, []float32{1, 2}, must.M1(tensors.CopyFlatData[float32](w1)))
}
