// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the analysis passes of the inference pipeline, and registers them in the
// analysis package:
//
//   - "persistable-params-collect" (ParamsCollectPass): lists the persistent variables of the scope as
//     the parameters of the program, if no parameter names were given.
//   - "device-parameter-sync" (DeviceParamsSyncPass): moves the persistent parameters to the target device.
package passes

import (
	"github.com/gomlx/inference/pkg/inference/analysis"
)

func init() {
	analysis.RegisterPass(ParamsCollectName, func(*analysis.Config) (analysis.Pass, error) {
		return NewParamsCollectPass(), nil
	})
	analysis.RegisterPass(DeviceParamsSyncName, func(cfg *analysis.Config) (analysis.Pass, error) {
		return NewDeviceParamsSyncPass(
			WithParallelism(cfg.Parallelism),
			WithVerifyTransfers(cfg.VerifyTransfers)), nil
	})
}
