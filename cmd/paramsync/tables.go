// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/inference/pkg/core/scope"
	"github.com/gomlx/inference/pkg/inference/analysis"
	"github.com/gomlx/inference/pkg/inference/analysis/passes"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	hostRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"}).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// tableWithHighlights is a table where some rows are highlighted.
type tableWithHighlights struct {
	Table       *lgtable.Table
	Count       int
	Highlighted map[int]bool
}

// Row adds a row to the table.
func (t *tableWithHighlights) Row(highlight bool, row ...string) {
	if highlight {
		t.Highlighted[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *tableWithHighlights {
	t := &tableWithHighlights{
		Highlighted: make(map[int]bool),
	}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case t.Highlighted[row]:
				s = hostRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
	return t
}

func reportSummary(arg *analysis.Argument, stats passes.SyncStats) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(false, "run", arg.RunID.String())
	table.Row(false, "target", arg.Place.String())
	if arg.Backend != nil {
		table.Row(false, "backend", fmt.Sprintf("%s (%s)", arg.Backend.Name(), arg.Backend.Description()))
	}
	table.Row(false, "# parameters", humanize.Comma(int64(len(arg.ParamNames))))
	table.Row(false, "# copied", humanize.Comma(int64(stats.Copied)))
	table.Row(false, "# aliased", humanize.Comma(int64(stats.Aliased)))
	table.Row(false, "# already on target", humanize.Comma(int64(stats.Skipped)))
	table.Row(stats.Transient > 0, "# transient", humanize.Comma(int64(stats.Transient)))
	table.Row(false, "bytes copied", humanize.IBytes(stats.BytesCopied))
	table.Row(false, "elapsed", stats.Elapsed.String())
	fmt.Println(table.Table.Render())
}

// reportParams lists the variables of s, highlighting the ones left on the host.
func reportParams(s *scope.Scope) {
	fmt.Println(titleStyle.Render("Parameters"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Left, lipgloss.Center)
	table.Table.Headers("Name", "DType", "Shape", "Bytes", "Place", "Persistent")
	var totalMemory uint64
	var numVars int
	s.EnumerateVariables(func(v *scope.Variable) {
		numVars++
		value := v.Value()
		if value == nil {
			table.Row(true, v.Name(), "-", "-", "-", "-", fmt.Sprint(v.IsPersistent()))
			return
		}
		totalMemory += uint64(value.Memory())
		table.Row(value.Place().IsHost(), v.Name(), value.DType().String(), fmt.Sprint(value.Shape().Dimensions),
			humanize.IBytes(uint64(value.Memory())), value.Place().String(), fmt.Sprint(v.IsPersistent()))
	})
	fmt.Println(table.Table.Render())
	fmt.Printf("Total: %s in %s variables\n", humanize.IBytes(totalMemory), humanize.Comma(int64(numVars)))
}
