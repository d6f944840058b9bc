// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scope implements the variable store of an inference program: a hierarchy of scopes, each
// holding named variables, and each variable holding a tensor.
//
// Lookups by name (Scope.FindVar) walk up from the scope to its ancestors, and the nearest variable
// wins. Variables are created in the scope they are declared with Scope.Var.
//
// Variables marked as persistent hold the parameters of the model (weights), which must survive
// across executions. The others hold transient values, like intermediary activations.
//
// Every Variable takes a reference (tensors.Tensor.Ref) of the tensor it holds, and releases it when the
// value is replaced or the variable erased. So two variables can hold the same tensor, and its storage
// is only freed when both let go of it.
package scope

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

const (
	// ScopeSeparator is used between levels of scope in Scope.Path. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope is the path of the root scope.
	RootScope = ScopeSeparator
)

// ErrVariableNotFound is returned (wrapped) by the methods that take a variable name, when no variable
// with the name is found in the scope or any of its ancestors.
var ErrVariableNotFound = errors.New("variable not found")

// Scope holds variables by name, and links to its parent and kids scopes.
//
// It is safe for concurrent use.
type Scope struct {
	parent *Scope
	name   string

	mu   sync.RWMutex
	vars map[string]*Variable
	kids []*Scope
}

// New returns a new root Scope.
func New() *Scope {
	return &Scope{vars: make(map[string]*Variable)}
}

// NewScope creates a kid scope with the given name. The name can't contain the ScopeSeparator.
// The kid scope sees the variables of s, but variables created in the kid are not seen by s.
func (s *Scope) NewScope(name string) *Scope {
	if strings.Contains(name, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope name %q", ScopeSeparator, name)
	}
	kid := &Scope{parent: s, name: name, vars: make(map[string]*Variable)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kids = append(s.kids, kid)
	return kid
}

// Parent returns the parent scope, or nil for a root scope.
func (s *Scope) Parent() *Scope { return s.parent }

// Kids returns the kid scopes created with NewScope.
func (s *Scope) Kids() []*Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.kids)
}

// Path of the scope, from the root. E.g.: "/" for the root scope, "/encoder/block0" for a grandkid.
func (s *Scope) Path() string {
	if s.parent == nil {
		return RootScope
	}
	parentPath := s.parent.Path()
	if parentPath == RootScope {
		return RootScope + s.name
	}
	return parentPath + ScopeSeparator + s.name
}

// String implements fmt.Stringer.
func (s *Scope) String() string {
	return "Scope(" + s.Path() + ")"
}

// Var returns the variable with the given name in this scope, creating it (with no value) if it doesn't exist.
// It doesn't look into the ancestor scopes.
func (s *Scope) Var(name string) *Variable {
	if name == "" {
		exceptions.Panicf("cannot create variable with empty name in %s", s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.vars[name]
	if !found {
		v = &Variable{name: name, scope: s}
		s.vars[name] = v
	}
	return v
}

// FindLocalVar returns the variable with the given name in this scope, or nil if it doesn't exist.
func (s *Scope) FindLocalVar(name string) *Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vars[name]
}

// FindVar returns the variable with the given name in this scope or, if not found, in its nearest ancestor
// that has it. It returns nil if no scope has it.
func (s *Scope) FindVar(name string) *Variable {
	for current := s; current != nil; current = current.parent {
		if v := current.FindLocalVar(name); v != nil {
			return v
		}
	}
	return nil
}

// LocalVarNames returns the sorted names of the variables in this scope.
func (s *Scope) LocalVarNames() []string {
	s.mu.RLock()
	names := maps.Keys(s.vars)
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}

// VarNames returns the sorted names of all the variables visible from this scope: its own and its ancestors'.
func (s *Scope) VarNames() []string {
	names := sets.Make[string]()
	for current := s; current != nil; current = current.parent {
		names.Insert(current.LocalVarNames()...)
	}
	return sets.Sorted(names)
}

// PersistentVarNames returns the sorted names of the persistent variables visible from this scope.
// If a name is defined in more than one scope, the nearest one decides whether it is persistent.
func (s *Scope) PersistentVarNames() []string {
	var names []string
	for _, name := range s.VarNames() {
		if s.FindVar(name).IsPersistent() {
			names = append(names, name)
		}
	}
	return names
}

// EnumerateVariables calls fn for each variable of this scope (not its ancestors), in name order.
func (s *Scope) EnumerateVariables(fn func(v *Variable)) {
	for _, name := range s.LocalVarNames() {
		if v := s.FindLocalVar(name); v != nil {
			fn(v)
		}
	}
}

// EraseVars removes the variables with the given names from this scope, releasing their values.
// Names not found in this scope are ignored.
func (s *Scope) EraseVars(names ...string) error {
	var firstErr error
	for _, name := range names {
		s.mu.Lock()
		v, found := s.vars[name]
		delete(s.vars, name)
		s.mu.Unlock()
		if !found {
			continue
		}
		if err := v.Reset(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "erasing variable %q", name)
		}
	}
	return firstErr
}

// DropKids removes all kid scopes, releasing their variables.
func (s *Scope) DropKids() {
	s.mu.Lock()
	kids := s.kids
	s.kids = nil
	s.mu.Unlock()
	for _, kid := range kids {
		kid.Finalize()
	}
}

// Finalize releases the values of all variables of the scope and of its kids, and removes them.
func (s *Scope) Finalize() {
	s.DropKids()
	if err := s.EraseVars(s.LocalVarNames()...); err != nil {
		klog.Warningf("%s finalized with errors: %+v", s, err)
	}
}

// NumVariables returns the number of variables in this scope and its kids.
func (s *Scope) NumVariables() int {
	s.mu.RLock()
	count := len(s.vars)
	kids := s.kids
	s.mu.RUnlock()
	for _, kid := range kids {
		count += kid.NumVariables()
	}
	return count
}

// findVarOrErr is FindVar, but returns an error wrapping ErrVariableNotFound if not found.
func (s *Scope) findVarOrErr(name string) (*Variable, error) {
	v := s.FindVar(name)
	if v == nil {
		return nil, errors.Wrapf(ErrVariableNotFound, "%q in %s", name, s)
	}
	return v, nil
}

// Lookup returns the tensor held by the variable name, searched as in FindVar.
// The tensor is nil if the variable exists but holds no value.
func (s *Scope) Lookup(name string) (*tensors.Tensor, error) {
	v, err := s.findVarOrErr(name)
	if err != nil {
		return nil, err
	}
	return v.Value(), nil
}

// Replace the tensor held by the variable name, searched as in FindVar. See Variable.SetValue.
func (s *Scope) Replace(name string, tensor *tensors.Tensor) error {
	v, err := s.findVarOrErr(name)
	if err != nil {
		return err
	}
	return v.SetValue(tensor)
}

// IsPersistent returns whether the variable name, searched as in FindVar, is persistent.
func (s *Scope) IsPersistent(name string) (bool, error) {
	v, err := s.findVarOrErr(name)
	if err != nil {
		return false, err
	}
	return v.IsPersistent(), nil
}
