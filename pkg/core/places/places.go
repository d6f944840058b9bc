// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package places defines Place, the descriptor of where the memory of a tensor lives: the host
// (CPU RAM) or the memory of one accelerator device.
//
// The accelerator families are mutually exclusive for one backend: a backend serves exactly one Kind
// (see backends.Backend.Kind).
package places

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind of memory a Place refers to.
type Kind int

const (
	// Host memory, the default place of tensors loaded from disk.
	Host Kind = iota

	// GPU global memory (CUDA/ROCm-like accelerators).
	GPU

	// NPU memory (neural processing units, e.g. Ascend-like accelerators).
	NPU

	// CustomDevice memory: devices provided by a pluggable runtime.
	CustomDevice
)

var kindNames = []string{"host", "gpu", "npu", "customdevice"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// ParseKind converts the kind name (case-insensitive) to a Kind.
// "cpu" is accepted as an alias of "host".
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "cpu" {
		return Host, nil
	}
	for ii, kindName := range kindNames {
		if kindName == name {
			return Kind(ii), nil
		}
	}
	return Host, errors.Errorf("unknown place kind %q, valid values are %q", name, kindNames)
}

// IsAccelerator returns whether the kind is one of the device kinds (anything but Host).
func (k Kind) IsAccelerator() bool {
	return k > Host && int(k) < len(kindNames)
}

// Place is where a tensor's buffer lives. It is a comparable value type: two places are the same
// if they are equal with ==.
type Place struct {
	Kind Kind

	// Index of the device, starting from 0. Always 0 for Host.
	Index int
}

// HostPlace returns the Place of host memory.
func HostPlace() Place { return Place{Kind: Host} }

// GPUPlace returns the Place of the GPU with the given index.
func GPUPlace(index int) Place { return Place{Kind: GPU, Index: index} }

// NPUPlace returns the Place of the NPU with the given index.
func NPUPlace(index int) Place { return Place{Kind: NPU, Index: index} }

// CustomDevicePlace returns the Place of the custom device with the given index.
func CustomDevicePlace(index int) Place { return Place{Kind: CustomDevice, Index: index} }

// IsHost returns whether the place is host memory.
func (p Place) IsHost() bool { return p.Kind == Host }

// String implements fmt.Stringer. E.g.: "host", "gpu:0", "npu:1".
func (p Place) String() string {
	if p.IsHost() {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s:%d", p.Kind, p.Index)
}

// Validate returns an error if the place has an unknown kind or a negative index,
// or if a Host place has a non-zero index.
func (p Place) Validate() error {
	if p.Kind < Host || int(p.Kind) >= len(kindNames) {
		return errors.Errorf("invalid place kind %d", int(p.Kind))
	}
	if p.Index < 0 {
		return errors.Errorf("invalid place %s: negative device index", p)
	}
	if p.IsHost() && p.Index != 0 {
		return errors.Errorf("invalid host place with index %d", p.Index)
	}
	return nil
}

// Parse converts the string representation of a Place (as returned by Place.String) back to a Place.
// If the index is omitted for an accelerator, it defaults to 0. E.g.: "gpu" == "gpu:0".
func Parse(s string) (Place, error) {
	kindStr, indexStr, hasIndex := strings.Cut(strings.TrimSpace(s), ":")
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Place{}, errors.WithMessagef(err, "failed to parse place %q", s)
	}
	p := Place{Kind: kind}
	if hasIndex {
		p.Index, err = strconv.Atoi(indexStr)
		if err != nil {
			return Place{}, errors.Wrapf(err, "failed to parse device index of place %q", s)
		}
	}
	if err = p.Validate(); err != nil {
		return Place{}, err
	}
	return p, nil
}

// MustParse is like Parse, but panics on error.
func MustParse(s string) Place {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}
