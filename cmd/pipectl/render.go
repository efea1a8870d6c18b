package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/pipelined/internal/approval"
	"github.com/fyrsmithlabs/pipelined/internal/audit"
	"github.com/fyrsmithlabs/pipelined/internal/contextstore"
	"github.com/fyrsmithlabs/pipelined/internal/monitor"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func renderRunDetail(w io.Writer, run orchestrator.PipelineRun, verbose bool) {
	fmt.Fprintln(w, titleStyle.Render("Run "+run.ID))
	field(w, "Status", monitor.StatusBadge(run.Status))
	if run.Reason != "" {
		field(w, "Reason", run.Reason)
	}
	if run.Stage != "" {
		field(w, "Stage", fmt.Sprintf("%s (%s)", run.Stage, run.Handler))
	}
	field(w, "Input", monitor.Truncate(run.Input, 72))
	field(w, "Transitions", fmt.Sprintf("%d stages, %d recovery attempts", run.StageTransitions, run.RecoveryAttempts))
	if run.Approval != nil {
		field(w, "Approval", fmt.Sprintf("%s %s, expires %s", run.Approval.ID, run.Approval.Reason,
			run.Approval.ExpiresAt.Local().Format(time.Kitchen)))
	}

	if len(run.Checkpoints) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Checkpoints"))
		for _, cp := range run.Checkpoints {
			next := cp.NextStage
			if next == "" {
				next = "done"
			}
			fmt.Fprintf(w, "  %s %-22s %s\n", dimStyle.Render(monitor.ShortID(cp.ID)), cp.Name, dimStyle.Render("-> "+next))
		}
	}

	attempts := run.Attempts
	if !verbose && len(attempts) > 5 {
		attempts = attempts[len(attempts)-5:]
	}
	if len(attempts) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Attempts"))
		for _, a := range attempts {
			line := fmt.Sprintf("  %-16s %-9s %8s", a.Stage, a.Handler, a.Duration.Round(time.Millisecond))
			if a.Error != "" {
				line += " " + errStyle.Render(monitor.Truncate(a.Error, 60))
			}
			if a.Decision != "" {
				line += " " + dimStyle.Render("=> "+string(a.Decision))
			}
			fmt.Fprintln(w, line)
		}
	}

	if verbose && len(run.Transitions) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Transitions"))
		for _, t := range run.Transitions {
			fmt.Fprintf(w, "  %s %s -> %s %s\n", dimStyle.Render(t.At.Local().Format(time.TimeOnly)), t.From, t.To, dimStyle.Render(t.Reason))
		}
	}
}

func renderRunTable(w io.Writer, runs []orchestrator.PipelineRun, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs"))
		return
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%-10s %-12s %-16s %-6s %s", "ID", "STATUS", "STAGE", "AGE", "INPUT")))
	for _, r := range runs {
		fmt.Fprintf(w, "%-10s %-12s %-16s %-6s %s\n",
			monitor.ShortID(r.ID), r.Status, r.Stage, monitor.FormatAge(r.CreatedAt, now), monitor.Truncate(r.Input, 40))
	}
}

func renderContext(w io.Writer, decisions map[string]contextstore.Decision) {
	if len(decisions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no context"))
		return
	}
	names := make([]string, 0, len(decisions))
	for name := range decisions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := decisions[name]
		value, err := json.Marshal(d.Value)
		if err != nil {
			value = []byte(fmt.Sprint(d.Value))
		}
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(name),
			dimStyle.Render(fmt.Sprintf("v%d by %s, confidence %.2f", d.Version, d.Writer, d.Confidence)))
		fmt.Fprintf(w, "  %s\n", monitor.Truncate(string(value), 100))
	}
}

func renderApprovals(w io.Writer, pending []approval.Request, now time.Time) {
	if len(pending) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no pending approvals"))
		return
	}
	for _, p := range pending {
		fmt.Fprintf(w, "%s %s %s %s\n",
			titleStyle.Render(monitor.ShortID(p.RunID)),
			labelStyle.Render(p.Stage),
			p.Reason,
			dimStyle.Render("waiting "+monitor.FormatAge(p.RequestedAt, now)))
	}
}

func renderEvents(w io.Writer, events []audit.Event) {
	for _, e := range events {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s %-20s %s %s",
			dimStyle.Render(fmt.Sprintf("#%d", e.Seq)),
			dimStyle.Render(e.Time.Local().Format(time.TimeOnly)),
			e.Kind, labelStyle.Render(e.Actor), e.Subject)
		if e.Before != "" || e.After != "" {
			fmt.Fprintf(&b, " %s -> %s", e.Before, e.After)
		}
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s", dimStyle.Render(k+"="+e.Details[k]))
		}
		fmt.Fprintln(w, b.String())
	}
}
