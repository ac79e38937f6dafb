package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/policy"
	"github.com/openfroyo/converge/pkg/stores"
)

// State renders a resource state with its color.
func State(s engine.ResourceState) string {
	switch s {
	case engine.ResourceStateSucceeded:
		return Success(string(s))
	case engine.ResourceStateFailed:
		return Error(string(s))
	case engine.ResourceStateSkipped, engine.ResourceStateRetrying:
		return Warn(string(s))
	default:
		return Muted(string(s))
	}
}

// RunStatus renders a run status with its color.
func RunStatus(s engine.RunStatus) string {
	switch s {
	case engine.RunStatusSucceeded:
		return Success(string(s))
	case engine.RunStatusFailed:
		return Error(string(s))
	default:
		return Warn(string(s))
	}
}

func resultNote(r *engine.ResourceResult) string {
	var notes []string
	if r.NotifiedBy != "" {
		notes = append(notes, fmt.Sprintf("notified by %s (%s)", r.NotifiedBy, r.Timing))
	}
	if r.SkipReason != "" {
		notes = append(notes, "skipped due to "+r.SkipReason)
	}
	if r.Noop {
		notes = append(notes, "would run")
	}
	if r.Ignored {
		notes = append(notes, "failure ignored")
	}
	if r.Attempts > 1 {
		notes = append(notes, fmt.Sprintf("%d attempts", r.Attempts))
	}
	if r.Error != nil {
		notes = append(notes, r.Error.Message)
	}
	return strings.Join(notes, "; ")
}

// RunReport renders a run report: header, per-dispatch table and summary.
func RunReport(report *engine.RunReport) string {
	var sb strings.Builder

	mode := ""
	if report.Noop {
		mode = " " + Warn("(noop)")
	}
	sb.WriteString(Bold("Run "+report.RunID) + mode + "\n")
	sb.WriteString(KeyValues("  ",
		KV("node", report.Node),
		KV("platform", strings.TrimSpace(report.Platform+" "+report.PlatformVersion)),
		KV("status", RunStatus(report.Status)),
		KV("duration", Duration(report.Duration)),
	))

	if len(report.Results) > 0 {
		rows := make([][]string, 0, len(report.Results))
		for _, r := range report.Results {
			updated := ""
			if r.Updated {
				updated = Success("yes")
			}
			rows = append(rows, []string{r.Resource, string(r.Action), State(r.State), updated, Duration(r.Duration), resultNote(r)})
		}
		sb.WriteString(Table([]string{"RESOURCE", "ACTION", "STATE", "UPDATED", "TIME", "NOTE"}, rows))
		sb.WriteString("\n")
	}

	sb.WriteString(Summary(report.Summary) + "\n")

	if report.Failure != nil && report.Failure.Error != nil {
		sb.WriteString(ErrorMsg("%s failed: %s", report.Failure.Resource, report.Failure.Error.Error()) + "\n")
	}
	return sb.String()
}

// Summary renders run counts on one line.
func Summary(s engine.RunSummary) string {
	parts := []string{
		fmt.Sprintf("%d/%d updated", s.Updated, s.Total),
		fmt.Sprintf("%d up to date", s.UpToDate),
		fmt.Sprintf("%d skipped", s.Skipped),
		fmt.Sprintf("%d notifications", s.Notifications),
	}
	if s.Ignored > 0 {
		parts = append(parts, Warn(fmt.Sprintf("%d ignored", s.Ignored)))
	}
	failed := fmt.Sprintf("%d failed", s.Failed)
	if s.Failed > 0 {
		failed = Error(failed)
	}
	parts = append(parts, failed)
	return strings.Join(parts, ", ")
}

// Runs renders a run history table.
func Runs(runs []*stores.Run) string {
	if len(runs) == 0 {
		return Muted("no runs recorded") + "\n"
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		noop := ""
		if r.Noop {
			noop = "noop"
		}
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Node,
			RunStatus(r.Status),
			strconv.Itoa(r.Summary.Updated) + "/" + strconv.Itoa(r.Summary.Total),
			strconv.Itoa(r.Summary.Failed),
			Duration(r.Duration),
			noop,
		})
	}
	return Table([]string{"RUN", "STARTED", "NODE", "STATUS", "UPDATED", "FAILED", "TIME", ""}, rows) + "\n"
}

// RunDetail renders a stored run with its results and events.
func RunDetail(d *stores.RunDetail) string {
	var sb strings.Builder
	r := d.Run
	sb.WriteString(Bold("Run "+r.ID) + "\n")
	pairs := []Pair{
		KV("node", r.Node),
		KV("platform", strings.TrimSpace(r.Platform+" "+r.PlatformVersion)),
		KV("status", RunStatus(r.Status)),
		KV("started", r.StartedAt.Local().Format("2006-01-02 15:04:05")),
		KV("duration", Duration(r.Duration)),
		KV("summary", Summary(r.Summary)),
	}
	if r.Failure != nil {
		pairs = append(pairs, KV("failure", Error(*r.Failure)))
	}
	sb.WriteString(KeyValues("  ", pairs...))

	if len(d.Results) > 0 {
		sb.WriteString(Results(d.Results))
	}
	if len(d.Events) > 0 {
		sb.WriteString(Bold("Events") + "\n")
		for _, e := range d.Events {
			line := fmt.Sprintf("  %s %-8s %s", e.Timestamp.Local().Format("15:04:05.000"), e.Level, e.Message)
			switch e.Level {
			case stores.EventLevelError:
				line = Error(line)
			case stores.EventLevelWarning:
				line = Warn(line)
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}

// Results renders stored dispatch results.
func Results(results []*stores.ResourceResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		note := r.SkipReason
		if r.NotifiedBy != "" {
			note = strings.TrimSpace("notified by " + r.NotifiedBy + " " + note)
		}
		if r.Error != nil {
			note = *r.Error
		}
		updated := ""
		if r.Updated {
			updated = Success("yes")
		}
		rows = append(rows, []string{r.RunID, r.Resource, string(r.Action), State(r.State), updated, Duration(r.Duration), note})
	}
	return Table([]string{"RUN", "RESOURCE", "ACTION", "STATE", "UPDATED", "TIME", "NOTE"}, rows) + "\n"
}

// PolicyDecisions renders policy check results.
func PolicyDecisions(decisions []policy.ResourceDecision) string {
	var sb strings.Builder
	denied := 0
	warnings := 0
	for _, d := range decisions {
		for _, v := range d.Decision.Violations {
			denied++
			sb.WriteString(ErrorMsg("%s %s: %s (%s)", d.Resource, d.Action, v.Message, v.Policy) + "\n")
		}
		for _, w := range d.Decision.Warnings {
			warnings++
			sb.WriteString(WarnMsg("%s %s: %s (%s)", d.Resource, d.Action, w.Message, w.Policy) + "\n")
		}
	}
	summary := fmt.Sprintf("%d actions checked, %d denied, %d warnings", len(decisions), denied, warnings)
	if denied == 0 {
		sb.WriteString(SuccessMsg("%s", summary) + "\n")
	} else {
		sb.WriteString(ErrorMsg("%s", summary) + "\n")
	}
	return sb.String()
}

// Policies renders the loaded policies.
func Policies(policies []policy.Policy) string {
	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		source := p.Source
		if p.Builtin {
			source = Muted("built-in")
		}
		enabled := Success("yes")
		if !p.Enabled {
			enabled = Muted("no")
		}
		rows = append(rows, []string{p.Name, string(p.Severity), enabled, source, p.Description})
	}
	return Table([]string{"POLICY", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION"}, rows) + "\n"
}

// ValidationErrors renders declaration errors, one per line.
func ValidationErrors(errs []config.ValidationError) string {
	var sb strings.Builder
	for _, e := range errs {
		sb.WriteString(ErrorMsg("%s", e.Error()) + "\n")
	}
	return sb.String()
}
