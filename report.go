package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorMuted)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
)

// statusLabel renders a scenario outcome.
func statusLabel(r *ScenarioResult) string {
	switch {
	case r.Passed && r.BrowserSkipped:
		return warningStyle.Render("PASS*")
	case r.Passed:
		return successStyle.Render("PASS")
	default:
		return errorStyle.Render("FAIL")
	}
}

// renderTable lays out rows in borderless padded columns.
func renderTable(header []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(header...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		}).
		Render()
}

// RenderSummary writes the run summary table and failure diagnostics.
func RenderSummary(w io.Writer, results []*ScenarioResult, elapsed time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Scenario results"))

	rows := make([][]string, 0, len(results))
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
		failedStep := r.FailedStep
		if failedStep == "" {
			failedStep = "-"
		}
		rows = append(rows, []string{
			r.Scenario,
			statusLabel(r),
			string(r.FinalState),
			failedStep,
			FormatDuration(r.Duration),
			r.ProjectName,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"SCENARIO", "RESULT", "STATE", "FAILED STEP", "TIME", "PROJECT"}, rows))

	for _, r := range results {
		if r.Passed || r.Err == nil {
			continue
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s failed at %q (%s)", r.Scenario, r.FailedStep, KindOf(r.Err))))
		fmt.Fprintln(w, DiagnosticOf(r.Err))
		if r.ProjectDir != "" {
			fmt.Fprintln(w, mutedStyle.Render("project left at "+r.ProjectDir))
		}
	}

	fmt.Fprintln(w)
	summary := fmt.Sprintf("%d/%d scenarios passed in %s", passed, len(results), FormatDuration(elapsed))
	if passed == len(results) {
		fmt.Fprintln(w, successStyle.Render(summary))
	} else {
		fmt.Fprintln(w, errorStyle.Render(summary))
	}
	for _, r := range results {
		if r.BrowserSkipped {
			fmt.Fprintln(w, warningStyle.Render("* browser steps skipped: "+r.BrowserSkipReason))
			break
		}
	}
}
