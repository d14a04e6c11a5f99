package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/schollz/progressbar/v3"

	"github.com/born-ml/opcheck/internal/suite"
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	passStyle   = cellStyle.Foreground(lipgloss.Color("2"))
	failStyle   = cellStyle.Foreground(lipgloss.Color("1")).Bold(true)
)

// progress shows one tick per finished unit on stderr.
type progress struct {
	bar    *progressbar.ProgressBar
	failed int
}

func newProgress(units int, device string) *progress {
	return &progress{bar: progressbar.NewOptions(units,
		progressbar.OptionSetDescription(fmt.Sprintf("checking on %s", device)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("units"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)}
}

// Update is the suite.Runner progress callback.
func (p *progress) Update(res suite.Result) {
	if !res.Passed() {
		p.failed++
		p.bar.Describe(fmt.Sprintf("%d failing, last: %s", p.failed, suite.Describe(res)))
	}
	_ = p.bar.Add(1)
}

// Finish clears the bar. It accepts a nil receiver for --quiet runs.
func (p *progress) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}

func newTable(headers []string, rows [][]string) string {
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

// resultsTable renders one row per unit and backend.
func resultsTable(report *suite.Report) string {
	var rows [][]string
	var passed []bool
	for _, res := range report.Results {
		if res.Error != "" {
			rows = append(rows, []string{res.Case, res.Shape.String(), "reference", "FAIL", res.Error})
			passed = append(passed, false)
			continue
		}
		for _, b := range res.Backends {
			status, detail := "PASS", ""
			switch {
			case b.Error != "":
				status, detail = "FAIL", b.Error
			case b.Verdict != nil:
				detail = b.Verdict.Summary
				if !b.Passed() {
					status = "FAIL"
				}
			}
			rows = append(rows, []string{res.Case, res.Shape.String(), b.Backend.String(), status, detail})
			passed = append(passed, status == "PASS")
		}
	}

	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col != 3:
				return cellStyle
			case passed[row]:
				return passStyle
			default:
				return failStyle
			}
		}).
		Headers("Case", "Shape", "Backend", "Status", "Detail").
		Rows(rows...)
	return t.String()
}
