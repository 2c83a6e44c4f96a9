// Package progress renders deployment snapshots for the terminal. Everything
// here is a pure function of a snapshot.
package progress

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"tdva/internal/deploy"
	"tdva/internal/domain"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Percent is the share of steps that completed or ended as warning, rounded.
func Percent(steps []domain.Step) int {
	if len(steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range steps {
		if s.Status == domain.StepCompleted || s.Status == domain.StepWarning {
			done++
		}
	}
	return int(math.Round(float64(done) / float64(len(steps)) * 100))
}

// Icon returns the colored status marker.
func Icon(s domain.StepStatus) string {
	switch s {
	case domain.StepRunning:
		return cyan("…")
	case domain.StepCompleted:
		return green("✔")
	case domain.StepFailed:
		return red("✗")
	case domain.StepWarning:
		return yellow("⚠")
	default:
		return faint("○")
	}
}

// StepLine is the one-line form used for live output.
func StepLine(s domain.Step) string {
	line := fmt.Sprintf("%s %s", Icon(s.Status), s.Title)
	if s.Error != "" {
		line += " " + faint("("+s.Error+")")
	}
	return line
}

// Table renders the step list.
func Table(steps []domain.Step) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"", "Step", "Description", "Status"})
	for _, s := range steps {
		status := string(s.Status)
		if s.Error != "" {
			status += ": " + s.Error
		}
		tw.AppendRow(table.Row{Icon(s.Status), s.Title, s.Description, status})
	}
	return tw.Render()
}

// Banner is the persistent error block with numbered remediation steps.
// It is empty when the snapshot carries no error.
func Banner(snap deploy.Snapshot) string {
	if snap.Error == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", red("✗ Deployment failed:"), snap.Error)
	if len(snap.Remediation) > 0 {
		b.WriteString(bold("Troubleshooting steps:") + "\n")
		for i, r := range snap.Remediation {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, r)
		}
	}
	return b.String()
}

// WarningList lists non-blocking warnings.
func WarningList(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(yellow("⚠ Completed with warnings:") + "\n")
	for _, w := range warnings {
		fmt.Fprintf(&b, "  - %s\n", w)
	}
	return b.String()
}

// Render writes the full summary of a snapshot to w.
func Render(w io.Writer, snap deploy.Snapshot) {
	fmt.Fprintln(w, Table(snap.Steps))
	fmt.Fprintf(w, "%d%% Complete\n", Percent(snap.Steps))
	switch {
	case snap.Running:
	case snap.Success:
		fmt.Fprintf(w, "%s %s\n", green("✔ Deployment complete:"), snap.RepositoryURL)
		fmt.Fprint(w, WarningList(snap.Warnings))
	default:
		fmt.Fprint(w, Banner(snap))
		fmt.Fprint(w, WarningList(snap.Warnings))
	}
}
