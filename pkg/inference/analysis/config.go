// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
)

// DefaultPasses is the list of passes used when Config.Passes is empty.
var DefaultPasses = []string{"persistable-params-collect", "device-parameter-sync"}

// Config of an analysis run.
type Config struct {
	// Place is the target place.
	Place places.Place

	// Backend is the active device backend. If nil, and Place is a device, one is created with BackendConfig.
	Backend backends.Backend

	// BackendConfig is the backend configuration (see backends.NewWithConfig) used if Backend is nil.
	// If empty, backends.New is used.
	BackendConfig string

	// Passes to run, by registered name. If empty, DefaultPasses is used.
	Passes []string

	// Parallelism of the passes that can work in parallel: 0 means sequential, -1 unlimited.
	Parallelism int

	// VerifyTransfers makes the passes that copy data read it back and compare.
	VerifyTransfers bool
}

// PassNames returns the passes configured, or DefaultPasses.
func (cfg *Config) PassNames() []string {
	if len(cfg.Passes) == 0 {
		return DefaultPasses
	}
	return cfg.Passes
}

// ResolveBackend returns the backend to use for the configured place, creating it if needed.
// Host places need no backend, and nil is returned if none is configured.
//
// The created backend is kept in cfg.Backend, and it is owned by the caller.
func (cfg *Config) ResolveBackend() (backends.Backend, error) {
	if cfg.Backend != nil || cfg.Place.IsHost() {
		return cfg.Backend, nil
	}
	var err error
	if cfg.BackendConfig != "" {
		cfg.Backend, err = backends.NewWithConfig(cfg.BackendConfig)
	} else {
		cfg.Backend, err = backends.New()
	}
	if err != nil {
		return nil, ConfigurationErrorf(err, "no device backend for %s", cfg.Place)
	}
	return cfg.Backend, nil
}

// NewArgument creates a new Argument for a run over the given scope, resolving the backend if needed.
// The Argument is validated.
func (cfg *Config) NewArgument(s *scope.Scope, paramNames ...string) (*Argument, error) {
	backend, err := cfg.ResolveBackend()
	if err != nil {
		return nil, err
	}
	arg := NewArgument(cfg.Place, s, backend).SetParamNames(paramNames...)
	if err := arg.Validate(); err != nil {
		return nil, err
	}
	return arg, nil
}
