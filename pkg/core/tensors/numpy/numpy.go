// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in Python's NumPy npy and npz file formats.
//
// It is the usual way parameters exported from a training framework are loaded into the variables
// scope before the inference analysis runs.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/inference/pkg/core/dtypes"
	"github.com/gomlx/inference/pkg/core/shapes"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const npyMagic = "\x93NUMPY"

// npyHeader holds the parsed contents of the header dictionary of a .npy file.
type npyHeader struct {
	descr        string
	dimensions   []int
	fortranOrder bool
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// FromNpyFile reads a .npy file and returns a tensors.Tensor in host memory.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	tensor, err := FromNpyReader(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return tensor, nil
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor in host memory.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy preamble")
	}
	if string(preamble[:len(npyMagic)]) != npyMagic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major, minor := preamble[len(npyMagic)], preamble[len(npyMagic)+1]

	var headerLen uint32
	switch {
	case major == 1:
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes[:]))
	case major >= 2:
		var lenBytes [4]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes[:])
		if headerLen > 1<<20 {
			return nil, errors.Errorf("header length %d too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", major, minor)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	header, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(header.descr, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", header.descr)
	}
	dtype, err := npyDTypeToGomlx(header.descr)
	if err != nil {
		return nil, err
	}
	for _, dim := range header.dimensions {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension in shape %v", header.dimensions)
		}
	}
	shape := shapes.Make(dtype, header.dimensions...)

	data := make([]byte, shape.Memory())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	if header.fortranOrder && shape.Rank() > 1 {
		cData := make([]byte, len(data))
		if err := FortranToCLayout(dtype.Size(), shape.Dimensions, data, cData); err != nil {
			return nil, err
		}
		data = cData
	}
	return tensors.FromBytes(shape, data)
}

// FortranToCLayout converts the data from column-major (Fortran) order to row-major (C) order.
func FortranToCLayout(dtypeSize int, dims []int, fortranData []byte, cData []byte) error {
	if dtypeSize <= 0 {
		return errors.Errorf("dtypeSize must be positive, got %d", dtypeSize)
	}
	totalElements := 1
	for _, d := range dims {
		totalElements *= d
	}
	expectedBytes := totalElements * dtypeSize
	if len(fortranData) != expectedBytes {
		return errors.Errorf("fortranData has incorrect size: got %d bytes, want %d", len(fortranData), expectedBytes)
	}
	if len(cData) != expectedBytes {
		return errors.Errorf("cData has incorrect size: got %d bytes, want %d", len(cData), expectedBytes)
	}
	if totalElements == 0 {
		return nil
	}

	// Walk the C-order indices incrementally, keeping the matching Fortran offset updated.
	fortranStrides := make([]int, len(dims))
	stride := dtypeSize
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	indices := make([]int, len(dims))
	fortranOffset := 0
	for cOffset := 0; cOffset < expectedBytes; cOffset += dtypeSize {
		copy(cData[cOffset:cOffset+dtypeSize], fortranData[fortranOffset:fortranOffset+dtypeSize])
		for axis := len(dims) - 1; axis >= 0; axis-- {
			indices[axis]++
			fortranOffset += fortranStrides[axis]
			if indices[axis] < dims[axis] {
				break
			}
			fortranOffset -= indices[axis] * fortranStrides[axis]
			indices[axis] = 0
		}
	}
	return nil
}

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header dictionary.
// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
func parseNpyHeader(header string) (h npyHeader, err error) {
	m := reDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		return h, errors.Errorf("could not find 'descr' in header: %q", header)
	}
	h.descr = m[1]

	m = reFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		return h, errors.Errorf("could not find 'fortran_order' in header: %q", header)
	}
	h.fortranOrder = m[1] == "True"

	m = reShape.FindStringSubmatch(header)
	if len(m) < 2 {
		return h, errors.Errorf("could not find 'shape' in header: %q", header)
	}
	h.dimensions = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of 1D shapes, like "(10,)", or scalar "()".
			continue
		}
		dim, pErr := strconv.Atoi(part)
		if pErr != nil {
			return h, errors.Wrapf(pErr, "invalid shape value %q in header", part)
		}
		h.dimensions = append(h.dimensions, dim)
	}
	return h, nil
}

// npyTypes maps the NumPy dtype string, without the byte order prefix, to a dtypes.DType.
var npyTypes = map[string]dtypes.DType{
	"b1":  dtypes.Bool,
	"?":   dtypes.Bool,
	"i1":  dtypes.Int8,
	"u1":  dtypes.Uint8,
	"i2":  dtypes.Int16,
	"u2":  dtypes.Uint16,
	"i4":  dtypes.Int32,
	"u4":  dtypes.Uint32,
	"i8":  dtypes.Int64,
	"u8":  dtypes.Uint64,
	"f2":  dtypes.Float16,
	"f4":  dtypes.Float32,
	"f8":  dtypes.Float64,
	"c8":  dtypes.Complex64,
	"c16": dtypes.Complex128,
}

// npyDTypeToGomlx converts a NumPy dtype string (e.g. "<f4") to a dtypes.DType.
func npyDTypeToGomlx(npyType string) (dtypes.DType, error) {
	name := strings.TrimLeft(npyType, "<>=|")
	if dtype, found := npyTypes[name]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype: %s", npyType)
}

// gomlxDTypeToNpy converts a dtypes.DType to a NumPy dtype string, little-endian for multi-byte types.
func gomlxDTypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Int8:
		return "|i1", nil
	case dtypes.Uint8:
		return "|u1", nil
	case dtypes.BFloat16:
		return "", errors.Errorf("BFloat16 has no standard .npy dtype")
	}
	for name, npyDType := range npyTypes {
		if npyDType == dtype && name != "?" {
			return "<" + name, nil
		}
	}
	return "", errors.Errorf("unsupported DType for .npy: %s", dtype)
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.Tensor.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive (a zip of .npy files) from an io.ReaderAt of the given size.
// The tensors are named after the files, without the ".npy" extension.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for .npz")
	}
	results := make(map[string]*tensors.Tensor)
	finalizeResults := func() {
		for _, t := range results {
			if err := t.FinalizeAll(); err != nil {
				klog.Warningf("failed to free tensor while handling error: %+v", err)
			}
		}
	}
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			finalizeResults()
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			klog.V(1).Infof("skipping non .npy file %q in .npz archive", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			finalizeResults()
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			finalizeResults()
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(cleanPath, ".npy")] = tensor
	}
	return results, nil
}

// ToNpyWriter serializes a tensors.Tensor to an io.Writer in .npy format (version 1.0).
// Tensors on a device are transferred to host memory first.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	shape := tensor.Shape()
	descr, err := gomlxDTypeToNpy(shape.DType)
	if err != nil {
		return err
	}
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		dimsStr := make([]string, shape.Rank())
		for i, dim := range shape.Dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(dimsStr, ", ") + ")"
	}

	// The preamble (10 bytes) plus the header, terminated by a newline, is padded with spaces to a multiple of 64.
	var headerBuf bytes.Buffer
	fmt.Fprintf(&headerBuf, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	for (len(npyMagic)+4+headerBuf.Len()+1)%64 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')

	var out bytes.Buffer
	out.WriteString(npyMagic)
	out.Write([]byte{1, 0})
	_ = binary.Write(&out, binary.LittleEndian, uint16(headerBuf.Len()))
	out.Write(headerBuf.Bytes())
	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}

	var writeErr error
	err = tensor.ConstBytes(func(data []byte) {
		if _, writeErr = w.Write(data); writeErr != nil {
			writeErr = errors.Wrapf(writeErr, "failed to write tensor data")
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// ToNpzFile serializes a map of tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensor, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return errors.Wrapf(err, "failed to close zip archive")
	}
	return nil
}
