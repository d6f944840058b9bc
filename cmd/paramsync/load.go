// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/core/tensors/numpy"
	"github.com/gomlx/inference/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

const (
	npyExt = ".npy"
	npzExt = ".npz"
)

// loadParams loads the tensors saved in modelPath (a directory of ".npy" files or a ".npz" file) as variables
// of s. Variables whose names are in transient are not persistent, all others are.
//
// It returns the number of variables loaded.
func loadParams(s *scope.Scope, modelPath string, transient sets.Set[string]) (int, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return 0, errors.Wrapf(err, "can't load parameters from %q", modelPath)
	}
	var params map[string]*tensors.Tensor
	switch {
	case info.IsDir():
		params, err = loadNpyDir(modelPath)
	case strings.EqualFold(filepath.Ext(modelPath), npzExt):
		params, err = numpy.FromNpzFile(modelPath)
	case strings.EqualFold(filepath.Ext(modelPath), npyExt):
		var t *tensors.Tensor
		t, err = numpy.FromNpyFile(modelPath)
		if err == nil {
			params = map[string]*tensors.Tensor{strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath)): t}
		}
	default:
		err = errors.Errorf("%q is neither a directory nor a %q/%q file", modelPath, npyExt, npzExt)
	}
	if err != nil {
		return 0, err
	}

	names := maps.Keys(params)
	slices.Sort(names)
	for ii, name := range names {
		if err := s.Var(name).SetPersistent(!transient.Has(name)).SetValue(params[name]); err != nil {
			freeUnowned(params, names[ii:])
			return 0, errors.WithMessagef(err, "loading parameter %q", name)
		}
	}
	return len(names), nil
}

// freeUnowned frees the tensors of params with the given names that are not held by any variable.
func freeUnowned(params map[string]*tensors.Tensor, names []string) {
	for _, name := range names {
		t := params[name]
		if t == nil || t.Refs() > 0 {
			continue
		}
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("failed to free parameter %q: %+v", name, err)
		}
	}
}

// loadNpyDir loads all ".npy" files in dir, keyed by their base name without the extension.
func loadNpyDir(dir string) (map[string]*tensors.Tensor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading directory %q", dir)
	}
	params := make(map[string]*tensors.Tensor)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), npyExt) {
			continue
		}
		t, err := numpy.FromNpyFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			freeUnowned(params, maps.Keys(params))
			return nil, err
		}
		params[strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))] = t
	}
	if len(params) == 0 {
		return nil, errors.Errorf("no %q files found in %q", npyExt, dir)
	}
	return params, nil
}
