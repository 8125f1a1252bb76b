package main

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mrsm-io/mrsm/internal/frame"
	"github.com/mrsm-io/mrsm/internal/logging"
	"github.com/mrsm-io/mrsm/internal/meta"
	"github.com/mrsm-io/mrsm/internal/sched"
)

// Ayu palette, adaptive light/dark.
var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
)

const (
	iconPass = "✓"
	iconFail = "✗"
)

// printTuple reports a single-pipe outcome. Successes are suppressed in
// quiet mode; failures always print.
func printTuple(st meta.SuccessTuple) {
	if st.Success {
		if !logging.Quiet() {
			fmt.Printf("%s %s\n", passStyle.Render(iconPass), st.Message)
		}
		return
	}
	fmt.Printf("%s %s\n", failStyle.Render(iconFail), st.Message)
}

// printResults reports one scheduler iteration, one line per pipe plus a
// summary.
func printResults(results sched.Results) {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		st := results[k]
		if st.Success {
			if !logging.Quiet() {
				fmt.Printf("%s %s  %s\n", passStyle.Render(iconPass), headerStyle.Render(k), st.Message)
			}
			continue
		}
		fmt.Printf("%s %s  %s\n", failStyle.Render(iconFail), headerStyle.Render(k), st.Message)
	}
	if !logging.Quiet() {
		fmt.Println(mutedStyle.Render(fmt.Sprintf("%d of %d pipes succeeded", results.Succeeded(), len(results))))
	}
}

// renderTable draws a bordered table in the shared style.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Headers(headers...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		String()
}

// renderFrame draws a row frame as a table, nil cells blank.
func renderFrame(f *frame.Frame) string {
	cols := f.Columns()
	rows := make([][]string, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		row := make([]string, len(cols))
		for j, c := range cols {
			if v := f.Value(i, c); v != nil {
				row[j] = fmt.Sprintf("%v", v)
			}
		}
		rows = append(rows, row)
	}
	return renderTable(cols, rows)
}
