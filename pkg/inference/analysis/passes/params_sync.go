// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/inference/backends"
	"github.com/gomlx/inference/internal/workerspool"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/core/tensors"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceParamsSyncName is the name (Repr) of DeviceParamsSyncPass.
const DeviceParamsSyncName = "device-parameter-sync"

// Action taken by DeviceParamsSyncPass for one parameter.
type Action int

const (
	// ActionCopied means the parameter was copied to the target place.
	ActionCopied Action = iota

	// ActionAliased means the parameter holds the same tensor as another parameter already copied
	// in this run, and it now holds the same copy.
	ActionAliased

	// ActionSkipped means the parameter was already on the target place.
	ActionSkipped

	// ActionTransient means the variable is not persistent, and it was left untouched.
	ActionTransient

	// ActionFailed means the parameter failed to be synced.
	ActionFailed
)

var actionNames = []string{"copied", "aliased", "skipped", "transient", "failed"}

// String implements fmt.Stringer.
func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// ProgressFn is called by DeviceParamsSyncPass after each parameter is processed.
// It may be called concurrently if the pass runs with parallelism.
type ProgressFn func(name string, action Action)

// SyncStats are the counters of one run of DeviceParamsSyncPass.
type SyncStats struct {
	Copied, Aliased, Skipped, Transient int

	// BytesCopied is the number of bytes transferred to the target place.
	BytesCopied uint64

	Elapsed time.Duration
}

// DeviceParamsSyncPass moves the persistent parameters of the scope to the target place of the run,
// and rewires the variables to hold the device tensors.
//
// For each parameter name (Argument.ParamNames, or the persistent variables of the scope, if empty):
//
//   - Non-persistent variables are left untouched.
//   - Parameters already on the target place are skipped, without any allocation: this makes the pass
//     idempotent, and a second run does nothing.
//   - Otherwise the tensor is copied to the target place (tensors.Tensor.CopyToPlace), and the variable is
//     updated to hold the copy, releasing the host tensor (freed if no other variable holds it).
//     Parameters holding the same tensor share one copy.
//
// The copy and update of each variable happens under its lock (scope.Variable.Update), so concurrent
// readers see either the old or the new tensor.
//
// On the first failure it stops starting new copies, waits for the ones in flight, and returns a
// *SyncError. Parameters already moved stay moved, and a new run completes the remaining ones.
//
// A host target place is a no-op.
type DeviceParamsSyncPass struct {
	parallelism int
	verify      bool
	progress    ProgressFn

	muStats   sync.Mutex
	lastStats SyncStats
}

var _ analysis.Pass = &DeviceParamsSyncPass{}

// Option configures DeviceParamsSyncPass.
type Option func(p *DeviceParamsSyncPass)

// WithParallelism sets the number of parameters copied in parallel.
// The default 0 copies them sequentially, in order. -1 means unlimited.
func WithParallelism(parallelism int) Option {
	return func(p *DeviceParamsSyncPass) { p.parallelism = parallelism }
}

// WithVerifyTransfers makes the pass read back each copied parameter from the device, and compare it
// to the original. A mismatch fails with backends.ErrTransfer.
func WithVerifyTransfers(verify bool) Option {
	return func(p *DeviceParamsSyncPass) { p.verify = verify }
}

// WithProgress sets a function to be called after each parameter is processed.
func WithProgress(fn ProgressFn) Option {
	return func(p *DeviceParamsSyncPass) { p.progress = fn }
}

// NewDeviceParamsSyncPass returns a new DeviceParamsSyncPass configured with the given options.
func NewDeviceParamsSyncPass(options ...Option) *DeviceParamsSyncPass {
	p := &DeviceParamsSyncPass{}
	for _, option := range options {
		option(p)
	}
	return p
}

// Repr implements analysis.Pass.
func (p *DeviceParamsSyncPass) Repr() string { return DeviceParamsSyncName }

// LastStats returns the counters of the last run.
func (p *DeviceParamsSyncPass) LastStats() SyncStats {
	p.muStats.Lock()
	defer p.muStats.Unlock()
	return p.lastStats
}

// syncRun holds the state of one run of the pass.
type syncRun struct {
	pass    *DeviceParamsSyncPass
	arg     *analysis.Argument
	backend backends.Backend
	target  places.Place

	mu       sync.Mutex
	stats    SyncStats
	firstErr error
	copies   map[*tensors.Tensor]*sharedCopy
}

// sharedCopy is the copy of a source tensor, shared by all the parameters holding the source.
// done is closed when the copy is finished (successfully or not).
type sharedCopy struct {
	done chan struct{}
	dst  *tensors.Tensor
	err  error
}

// Run implements analysis.Pass.
func (p *DeviceParamsSyncPass) Run(arg *analysis.Argument) error {
	if arg == nil || arg.Scope == nil {
		return analysis.ConfigurationErrorf(nil, "%s: no scope", DeviceParamsSyncName)
	}
	start := time.Now()
	run := &syncRun{
		pass:    p,
		arg:     arg,
		backend: arg.Backend,
		target:  arg.Place,
		copies:  make(map[*tensors.Tensor]*sharedCopy),
	}
	defer func() {
		run.stats.Elapsed = time.Since(start)
		p.muStats.Lock()
		p.lastStats = run.stats
		p.muStats.Unlock()
	}()

	if run.target.IsHost() {
		klog.V(1).Infof("analysis run %s: target is %s, no parameters to sync", arg.RunID, run.target)
		return nil
	}
	if err := backends.CheckPlace(run.backend, run.target); err != nil {
		return analysis.ConfigurationErrorf(err, "%s: can't sync parameters to %s", DeviceParamsSyncName, run.target)
	}

	names := arg.ParamNames
	if len(names) == 0 {
		names = arg.Scope.PersistentVarNames()
	}
	variables := make([]*scope.Variable, len(names))
	for ii, name := range names {
		variables[ii] = arg.Scope.FindVar(name)
		if variables[ii] == nil {
			return &SyncError{Param: name, Place: run.target,
				Err: errors.Wrapf(analysis.ErrMissingParameter, "%q not found in %s", name, arg.Scope)}
		}
	}
	pool := workerspool.New(p.parallelism)
	if klog.V(1).Enabled() {
		parallelism := "sequential"
		if pool.IsEnabled() {
			parallelism = fmt.Sprintf("parallelism %d", pool.MaxParallelism())
		}
		klog.Infof("analysis run %s: syncing %d parameters to %s (backend %q, %s)",
			arg.RunID, len(names), run.target, run.backend.Name(), parallelism)
	}
	for ii, v := range variables {
		if run.failed() {
			break
		}
		name := names[ii]
		pool.WaitToStart(func() {
			action, numBytes, err := run.syncVariable(v)
			run.record(name, action, numBytes, err)
		})
	}
	pool.Wait()

	if run.firstErr != nil {
		return run.firstErr
	}
	klog.V(1).Infof("analysis run %s: %d parameters copied (%s), %d aliased, %d already on %s, %d transient",
		arg.RunID, run.stats.Copied, humanize.IBytes(run.stats.BytesCopied), run.stats.Aliased,
		run.stats.Skipped, run.target, run.stats.Transient)
	return nil
}

func (run *syncRun) failed() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.firstErr != nil
}

// record the outcome of one parameter.
func (run *syncRun) record(name string, action Action, numBytes uintptr, err error) {
	run.mu.Lock()
	if err != nil {
		action = ActionFailed
		if run.firstErr == nil {
			run.firstErr = &SyncError{Param: name, Place: run.target, Err: err}
		}
	}
	switch action {
	case ActionCopied:
		run.stats.Copied++
		run.stats.BytesCopied += uint64(numBytes)
	case ActionAliased:
		run.stats.Aliased++
	case ActionSkipped:
		run.stats.Skipped++
	case ActionTransient:
		run.stats.Transient++
	}
	run.mu.Unlock()

	if err != nil {
		klog.V(1).Infof("analysis run %s: parameter %q failed: %v", run.arg.RunID, name, err)
	} else if klog.V(2).Enabled() {
		klog.Infof("analysis run %s: parameter %q %s (%s)", run.arg.RunID, name, action, humanize.IBytes(uint64(numBytes)))
	}
	if run.pass.progress != nil {
		run.pass.progress(name, action)
	}
}

// syncVariable skips, or copies and swaps, the value of one variable, under its lock.
func (run *syncRun) syncVariable(v *scope.Variable) (action Action, numBytes uintptr, err error) {
	err = v.Update(func(current *tensors.Tensor) (*tensors.Tensor, error) {
		if current == nil {
			return nil, errors.Wrapf(analysis.ErrMissingParameter, "variable %q holds no value", v.Name())
		}
		numBytes = current.Memory()
		if !v.IsPersistent() {
			action = ActionTransient
			return current, nil
		}
		if current.Place() == run.target {
			action = ActionSkipped
			return current, nil
		}
		dst, first, err := run.copyOnce(current)
		if err != nil {
			return nil, err
		}
		action = ActionAliased
		if first {
			action = ActionCopied
		}
		return dst, nil
	})
	return
}

// copyOnce returns the copy of src on the target place. The first caller for a given src does the copy,
// and the others wait for it and share the result.
func (run *syncRun) copyOnce(src *tensors.Tensor) (dst *tensors.Tensor, first bool, err error) {
	run.mu.Lock()
	c, found := run.copies[src]
	if !found {
		c = &sharedCopy{done: make(chan struct{})}
		run.copies[src] = c
	}
	run.mu.Unlock()
	if found {
		<-c.done
		return c.dst, false, c.err
	}

	defer close(c.done)
	c.dst, c.err = src.CopyToPlace(run.backend, run.target)
	if c.err == nil && run.pass.verify {
		c.err = verifyCopy(src, c.dst)
		if c.err != nil {
			if err := c.dst.FinalizeAll(); err != nil {
				klog.Warningf("failed to free copy on %s: %+v", run.target, err)
			}
			c.dst = nil
		}
	}
	return c.dst, true, c.err
}

// verifyCopy reads back the device copy and compares it with the source.
func verifyCopy(src, dst *tensors.Tensor) error {
	got, err := dst.HostBytes()
	if err != nil {
		return errors.WithMessagef(err, "reading back copy on %s", dst.Place())
	}
	var equal bool
	err = src.ConstBytes(func(want []byte) {
		equal = bytes.Equal(want, got)
	})
	if err != nil {
		return err
	}
	if !equal {
		return errors.Wrapf(backends.ErrTransfer, "copy on %s differs from the original", dst.Place())
	}
	if !src.Shape().Equal(dst.Shape()) {
		return errors.Errorf("copy on %s has shape %s, original has %s", dst.Place(), dst.Shape(), src.Shape())
	}
	return nil
}
