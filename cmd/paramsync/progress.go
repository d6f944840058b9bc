// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/gomlx/inference/pkg/inference/analysis/passes"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressBar displays the parameters synchronized so far.
// The sync pass may report from several goroutines: progressbar.ProgressBar serializes the updates.
type progressBar struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

func newProgressBar(numParams int) *progressBar {
	pBar := &progressBar{termenv: termenv.NewOutput(os.Stdout)}
	pBar.termenv.HideCursor()
	pBar.bar = progressbar.NewOptions(numParams,
		progressbar.OptionSetDescription("Syncing parameters"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(!*flagNoColor),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("params"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionClearOnFinish(),
	)
	return pBar
}

// onParam is a passes.ProgressFn.
func (pBar *progressBar) onParam(name string, action passes.Action) {
	if action == passes.ActionFailed {
		klog.Warningf("failed to sync parameter %q", name)
	}
	_ = pBar.bar.Add(1)
}

func (pBar *progressBar) done() {
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
}
