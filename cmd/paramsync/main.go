// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// paramsync loads the parameters of a model saved as numpy files (a directory of ".npy" files or a ".npz" archive)
// and runs the device parameter synchronization analysis on them: all persistent parameters are moved to the
// target place, and a report of where each parameter lives is printed.
//
// Usage:
//
//	paramsync -place=gpu:0 -backend=sim:gpu,memory=4GiB -parallelism=4 <model_dir or model.npz>
//
// The backend defaults to $GOMLX_DEVICE_BACKEND, or the first registered one.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/inference/backends"
	_ "github.com/gomlx/inference/backends/default"
	"github.com/gomlx/inference/pkg/core/places"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/gomlx/inference/pkg/inference/analysis/passes"
	"github.com/gomlx/inference/pkg/support/sets"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagPlace   = flag.String("place", "gpu:0", "Target place of the persistent parameters: \"host\", \"gpu:<n>\", \"npu:<n>\" or \"customdevice:<n>\".")
	flagBackend = flag.String("backend", "", fmt.Sprintf(
		"Device backend configuration, in the format \"<name>:<config>\". If empty, it uses $%s or the first registered backend.",
		backends.ConfigEnvVar))
	flagScope       = flag.String("scope", "model", "Name of the scope where the parameters are loaded.")
	flagParallelism = flag.Int("parallelism", 4, "Number of parameters transferred in parallel: 0 means sequential, -1 unlimited.")
	flagVerify      = flag.Bool("verify", false, "Read back every transferred parameter and compare it with its host copy.")
	flagTransient   = flag.String("transient", "", "Comma-separated list of parameter names loaded as transient (not moved to the device).")
	flagParams      = flag.String("params", "", "Comma-separated list of parameters to synchronize. If empty, all persistent ones.")
	flagNoProgress  = flag.Bool("noprogress", false, "Don't display a progress bar.")
	flagNoColor     = flag.Bool("nocolor", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing model directory or .npz file to read from. See 'paramsync -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'paramsync -help'.")
		os.Exit(1)
	}
	if err := run(args[0]); err != nil {
		klog.Errorf("paramsync failed: %+v", err)
		os.Exit(1)
	}
}

func run(modelPath string) error {
	place, err := places.Parse(*flagPlace)
	if err != nil {
		return err
	}
	root := scope.New()
	defer root.Finalize()
	modelScope := root.NewScope(*flagScope)
	numParams, err := loadParams(modelScope, modelPath, sets.MakeWith(splitList(*flagTransient)...))
	if err != nil {
		return err
	}
	klog.V(1).Infof("loaded %d parameters from %q", numParams, modelPath)

	cfg := &analysis.Config{
		Place:           place,
		BackendConfig:   *flagBackend,
		Parallelism:     *flagParallelism,
		VerifyTransfers: *flagVerify,
	}
	arg, err := cfg.NewArgument(modelScope, splitList(*flagParams)...)
	if err != nil {
		return err
	}
	if arg.Backend != nil {
		defer arg.Backend.Finalize()
	}

	var bar *progressBar
	syncOptions := []passes.Option{
		passes.WithParallelism(cfg.Parallelism),
		passes.WithVerifyTransfers(cfg.VerifyTransfers),
	}
	if !*flagNoProgress && !place.IsHost() {
		numToSync := len(arg.ParamNames)
		if numToSync == 0 {
			numToSync = len(modelScope.PersistentVarNames())
		}
		bar = newProgressBar(numToSync)
		syncOptions = append(syncOptions, passes.WithProgress(bar.onParam))
	}
	syncPass := passes.NewDeviceParamsSyncPass(syncOptions...)
	analyzer := analysis.NewAnalyzerWithPasses(passes.NewParamsCollectPass(), syncPass)
	err = analyzer.Run(arg)
	if bar != nil {
		bar.done()
	}
	if err != nil {
		return err
	}
	reportSummary(arg, syncPass.LastStats())
	reportParams(modelScope)
	return nil
}

func splitList(list string) []string {
	var items []string
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
