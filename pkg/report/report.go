// Package report renders run results for the terminal.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/nixmox/orchestrator/pkg/engine"
)

// Write renders the run report as a table followed by a one-line
// summary.
func Write(w io.Writer, r *engine.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"SERVICE", "STATE", "STEPS", "DURATION", "DETAIL"})
	for _, svc := range r.Services {
		t.AppendRow(table.Row{
			svc.Service,
			colorState(svc.State),
			stepSummary(svc),
			formatDuration(svc.Duration),
			detail(svc),
		})
	}
	t.Render()

	mode := ""
	if r.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(w, "\nrun %s: %s%s in %s\n",
		r.RunID, colorStatus(r.Status), mode, formatDuration(r.Duration))
}

func colorState(s engine.ServiceState) string {
	switch s {
	case engine.StateHealthy:
		return text.FgGreen.Sprint(string(s))
	case engine.StateFailed:
		return text.FgRed.Sprint(string(s))
	case engine.StateSkipped, engine.StateInterrupted:
		return text.FgYellow.Sprint(string(s))
	default:
		return string(s)
	}
}

func colorStatus(s engine.RunStatus) string {
	switch s {
	case engine.RunSucceeded:
		return text.FgGreen.Sprint(string(s))
	case engine.RunFailed, engine.RunPlanningFailed:
		return text.FgRed.Sprint(string(s))
	default:
		return text.FgYellow.Sprint(string(s))
	}
}

// stepSummary renders executed/total with skips called out.
func stepSummary(svc *engine.ServiceResult) string {
	executed := 0
	for _, st := range svc.Steps {
		if st.Outcome != "failed" {
			executed++
		}
	}
	return fmt.Sprintf("%d/%d", executed, len(svc.Steps))
}

func detail(svc *engine.ServiceResult) string {
	if svc.Err != nil {
		return svc.Err.Error()
	}
	for _, st := range svc.Steps {
		if st.Outcome == "unchanged" {
			return "already converged"
		}
	}
	return ""
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(10 * time.Millisecond).String()
}
