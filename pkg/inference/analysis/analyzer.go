// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package analysis implements the analysis pipeline run over an inference program once the target device
// is known, and before it is executed.
//
// An Analyzer runs a list of passes in order over a shared Argument, which holds the target place, the
// active device backend, and the scope with the program variables.
//
// Passes are registered by name with RegisterPass (see package passes), and a pipeline can be configured with
// a Config:
//
//	cfg := &analysis.Config{Place: places.GPUPlace(0), BackendConfig: "sim:gpu"}
//	analyzer, err := analysis.NewAnalyzer(cfg)
//	arg, err := cfg.NewArgument(scope)
//	err = analyzer.Run(arg)
package analysis

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Analyzer runs a pipeline of passes.
type Analyzer struct {
	passes []Pass
}

// NewAnalyzer creates an Analyzer with the passes configured in cfg.
func NewAnalyzer(cfg *Config) (*Analyzer, error) {
	a := &Analyzer{}
	for _, name := range cfg.PassNames() {
		pass, err := NewPass(name, cfg)
		if err != nil {
			return nil, err
		}
		a.passes = append(a.passes, pass)
	}
	return a, nil
}

// NewAnalyzerWithPasses creates an Analyzer with the given passes.
func NewAnalyzerWithPasses(passes ...Pass) *Analyzer {
	return &Analyzer{passes: passes}
}

// Passes returns the passes of the pipeline, in order.
func (a *Analyzer) Passes() []Pass {
	return a.passes
}

// Run validates the Argument and runs the passes in order. It stops at the first pass that fails,
// and returns its error with the name of the pass.
func (a *Analyzer) Run(arg *Argument) error {
	if err := arg.Validate(); err != nil {
		return err
	}
	start := time.Now()
	klog.V(1).Infof("analysis run %s: %d passes, target %s", arg.RunID, len(a.passes), arg.Place)
	for _, pass := range a.passes {
		passStart := time.Now()
		if err := pass.Run(arg); err != nil {
			return errors.WithMessagef(err, "analysis pass %q", pass.Repr())
		}
		klog.V(1).Infof("analysis run %s: pass %q done in %s", arg.RunID, pass.Repr(), time.Since(passStart))
	}
	klog.V(1).Infof("analysis run %s: done in %s", arg.RunID, time.Since(start))
	return nil
}
