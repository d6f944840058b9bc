// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package analysis

import (
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/support/sets"
	"github.com/google/uuid"
)

// Argument is the state shared by all the passes of one analysis run.
//
// Passes read the target place and the backend, and read or update the scope and the parameter names.
type Argument struct {
	// RunID identifies the analysis run in logs.
	RunID uuid.UUID

	// Place is the target place where the program is going to be executed.
	Place places.Place

	// Scope holds the variables of the program.
	Scope *scope.Scope

	// Backend is the active device backend. It can be nil if Place is the host.
	Backend backends.Backend

	// ParamNames are the names of the parameters of the program, in order.
	// Use SetParamNames to set it without repetitions.
	ParamNames []string
}

// NewArgument returns a new Argument for a run, with a new RunID.
func NewArgument(place places.Place, s *scope.Scope, backend backends.Backend) *Argument {
	return &Argument{
		RunID:   uuid.New(),
		Place:   place,
		Scope:   s,
		Backend: backend,
	}
}

// SetParamNames sets ParamNames to names, with repeated names removed (the first occurrence is kept).
// It returns the Argument itself, so it can be chained.
func (arg *Argument) SetParamNames(names ...string) *Argument {
	arg.ParamNames = sets.Unique(names)
	return arg
}

// Validate checks the Argument can be used in an analysis run. Invalid arguments return an error
// matching ErrConfiguration.
//
// It checks that the active backend can hold buffers on the target place (see backends.CheckPlace):
// a device target with no backend serving it is a configuration error, not a silent no-op.
func (arg *Argument) Validate() error {
	if arg == nil {
		return ConfigurationErrorf(nil, "nil analysis Argument")
	}
	if arg.Scope == nil {
		return ConfigurationErrorf(nil, "analysis run %s has no scope", arg.RunID)
	}
	if err := backends.CheckPlace(arg.Backend, arg.Place); err != nil {
		return ConfigurationErrorf(err, "analysis run %s can't target %s", arg.RunID, arg.Place)
	}
	return nil
}
