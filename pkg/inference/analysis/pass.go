// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Pass is one stage of the analysis pipeline.
type Pass interface {
	// Run the pass on the shared Argument.
	Run(arg *Argument) error

	// Repr returns the name of the pass, used in logs and errors.
	Repr() string
}

// PassFactory creates a Pass configured by cfg.
type PassFactory func(cfg *Config) (Pass, error)

var (
	muPasses         sync.Mutex
	registeredPasses = make(map[string]PassFactory)
)

// RegisterPass registers a pass factory under the given name. It is usually called in the `init()` of the
// package that defines the pass.
//
// It panics if a pass with the same name was already registered.
func RegisterPass(name string, factory PassFactory) {
	muPasses.Lock()
	defer muPasses.Unlock()
	if _, found := registeredPasses[name]; found {
		exceptions.Panicf("analysis pass %q registered twice", name)
	}
	registeredPasses[name] = factory
}

// ListPasses returns the sorted names of the registered passes.
func ListPasses() []string {
	muPasses.Lock()
	defer muPasses.Unlock()
	names := maps.Keys(registeredPasses)
	slices.Sort(names)
	return names
}

// NewPass creates the registered pass name, configured by cfg.
func NewPass(name string, cfg *Config) (Pass, error) {
	muPasses.Lock()
	factory, found := registeredPasses[name]
	muPasses.Unlock()
	if !found {
		return nil, ConfigurationErrorf(nil, "unknown analysis pass %q, registered passes: %q", name, ListPasses())
	}
	pass, err := factory(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating analysis pass %q", name)
	}
	return pass, nil
}
