// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a named slot in a Scope, holding a tensor.
//
// Persistent variables hold the parameters of a model (weights), which survive across executions.
//
// Reads and updates of the value are serialized by a per-variable lock: see Variable.Update for the
// read-modify-write form.
type Variable struct {
	name  string
	scope *Scope

	persistent atomic.Bool

	mu    sync.Mutex
	value *tensors.Tensor
}

// Name of the variable within the scope.
func (v *Variable) Name() string { return v.name }

// Scope where the variable was created.
func (v *Variable) Scope() *Scope { return v.scope }

// String implements stringer.
func (v *Variable) String() string {
	if v == nil {
		return "Variable(nil)"
	}
	value := v.Value()
	if value == nil {
		return fmt.Sprintf("Variable(%s%s%s: no value)", v.scope.Path(), ScopeSeparator, v.name)
	}
	return fmt.Sprintf("Variable(%s%s%s: %s)", v.scope.Path(), ScopeSeparator, v.name, value)
}

// SetPersistent marks the variable as persistent (or not), and returns the variable itself to allow chaining.
func (v *Variable) SetPersistent(persistent bool) *Variable {
	v.persistent.Store(persistent)
	return v
}

// IsPersistent returns whether the variable holds a persistent value (a parameter).
func (v *Variable) IsPersistent() bool {
	return v.persistent.Load()
}

// Value returns the tensor held by the variable, or nil if it has no value.
func (v *Variable) Value() *tensors.Tensor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// SetValue sets the tensor held by the variable. The variable takes a reference of the new tensor,
// and releases its reference of the previous one (which frees it, if it was the last owner).
// Setting nil clears the variable.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	return v.Update(func(*tensors.Tensor) (*tensors.Tensor, error) {
		return value, nil
	})
}

// WithValue is SetValue, but panics on error, and returns the variable itself to allow chaining.
func (v *Variable) WithValue(value *tensors.Tensor) *Variable {
	if err := v.SetValue(value); err != nil {
		panic(err)
	}
	return v
}

// Update the value of the variable atomically: fn is called with the current value, under the variable lock,
// and the tensor it returns becomes the new value (with the same ownership rules as SetValue).
//
// If fn returns an error, or returns the current value, the variable is left untouched.
// Concurrent calls to Update, Value or SetValue on the same variable wait for fn to return.
func (v *Variable) Update(fn func(current *tensors.Tensor) (*tensors.Tensor, error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	newValue, err := fn(v.value)
	if err != nil {
		return err
	}
	if newValue == v.value {
		return nil
	}
	if newValue != nil {
		newValue.Ref()
	}
	old := v.value
	v.value = newValue
	if old != nil {
		if _, err := old.Unref(); err != nil {
			return errors.WithMessagef(err, "releasing previous value of variable %q", v.name)
		}
	}
	return nil
}

// Reset clears the value of the variable, releasing its tensor.
func (v *Variable) Reset() error {
	return v.SetValue(nil)
}
