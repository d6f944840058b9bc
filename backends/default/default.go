// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default device backends, namely "host" (no accelerator) and "sim"
// (simulated accelerators).
//
// To use it simply include:
//
//	import _ "github.com/gomlx/inference/backends/default"
//
// If you add the tag `pjrt` it will also include the PJRT plugin backend -- it requires the plugins installed.
package _default

import (
	_ "github.com/gomlx/inference/backends/host"
	_ "github.com/gomlx/inference/backends/simdevice"
)
