// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/inference/pkg/inference/analysis"
	"k8s.io/klog/v2"
)

// ParamsCollectName is the name (Repr) of ParamsCollectPass.
const ParamsCollectName = "persistable-params-collect"

// ParamsCollectPass fills Argument.ParamNames with the persistent variables visible from the scope,
// if it is empty. Otherwise, it only removes repeated names.
type ParamsCollectPass struct{}

var _ analysis.Pass = &ParamsCollectPass{}

// NewParamsCollectPass returns a new ParamsCollectPass.
func NewParamsCollectPass() *ParamsCollectPass {
	return &ParamsCollectPass{}
}

// Repr implements analysis.Pass.
func (p *ParamsCollectPass) Repr() string { return ParamsCollectName }

// Run implements analysis.Pass.
func (p *ParamsCollectPass) Run(arg *analysis.Argument) error {
	if arg == nil || arg.Scope == nil {
		return analysis.ConfigurationErrorf(nil, "%s: no scope to collect parameters from", ParamsCollectName)
	}
	if len(arg.ParamNames) > 0 {
		arg.SetParamNames(arg.ParamNames...)
		return nil
	}
	arg.ParamNames = arg.Scope.PersistentVarNames()
	klog.V(1).Infof("analysis run %s: collected %d persistent parameters", arg.RunID, len(arg.ParamNames))
	return nil
}
