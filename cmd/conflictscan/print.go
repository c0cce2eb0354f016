package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
	"github.com/mpataki/conflictscan/internal/tui"
)

func printSession(w io.Writer, sess *models.ScanSession) {
	fmt.Fprintf(w, "Scan #%d [%s]\n", sess.ID, sess.Status)
	fmt.Fprintf(w, "Sandbox: %s\n", sess.CloneID)
	if sess.UserContext != "" {
		fmt.Fprintf(w, "Context: %s\n", sess.UserContext)
	}
	if !sess.Status.IsTerminal() && sess.Progress != nil {
		fmt.Fprintf(w, "Progress: %d%% %s\n", sess.Progress.Percent, sess.Progress.Message)
	}
	if !sess.UpdatedAt.IsZero() && sess.Status.IsTerminal() {
		fmt.Fprintf(w, "Duration: %s\n", tui.FormatDuration(sess.UpdatedAt.Sub(sess.CreatedAt)))
	}
	if sess.ErrorMessage != nil {
		fmt.Fprintf(w, "Error: %s\n", *sess.ErrorMessage)
	}

	r := sess.Result
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Outcome: %s\n", r.Outcome)
	if r.Culprit != nil {
		name := r.Culprit.Name
		if r.Culprit.Version != "" {
			name += " " + r.Culprit.Version
		}
		fmt.Fprintf(w, "Culprit: %s (%s)\n", name, r.Culprit.Type)
		if r.Culprit.DiagnosisNote != "" {
			fmt.Fprintf(w, "Note: %s\n", r.Culprit.DiagnosisNote)
		}
	}
	if r.MultiConflict != nil {
		names := make([]string, 0, len(r.MultiConflict.Extensions))
		for _, ext := range r.MultiConflict.Extensions {
			names = append(names, ext.Name)
		}
		fmt.Fprintf(w, "Conflict: %s\n", strings.Join(names, ", "))
	}
	if len(r.OutdatedExtensions) > 0 {
		fmt.Fprintln(w, "Outdated:")
		for _, ext := range r.OutdatedExtensions {
			fmt.Fprintf(w, "  %s %s -> %s\n", ext.Name, ext.VersionCurrent, ext.VersionLatest)
		}
	}
	if len(r.Steps) > 0 {
		fmt.Fprintf(w, "Steps: %d (%s)\n", len(r.Steps), r.IsolationMethod)
	}
	if a := r.Analysis; a != nil {
		fmt.Fprintf(w, "\n%s\n", a.Diagnosis)
		if a.Recommendation != "" {
			fmt.Fprintf(w, "Recommendation: %s\n", a.Recommendation)
		}
		fmt.Fprintf(w, "Confidence: %s\n", a.Confidence)
	}
}

func printSessionList(w io.Writer, sessions []*models.ScanSession, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No scans found.")
		return
	}
	for _, sess := range sessions {
		line := fmt.Sprintf("#%d %s [%s]", sess.ID, sess.CloneID, sess.Status)
		if sess.Result != nil {
			line += " " + string(sess.Result.Outcome)
		}
		fmt.Fprintf(w, "%s %s ago\n", line, tui.FormatDuration(now.Sub(sess.CreatedAt)))
	}
}

func printEvents(w io.Writer, events []log.LogEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}
	for _, ev := range events {
		line := ev.Time.Format(time.TimeOnly) + " " + ev.Event
		if ev.Step != "" {
			line += " " + ev.Step
		}
		if ev.Passed != nil {
			if *ev.Passed {
				line += " pass"
			} else {
				line += " FAIL"
			}
		}
		if len(ev.Reasons) > 0 {
			line += ": " + strings.Join(ev.Reasons, "; ")
		}
		if ev.Outcome != "" {
			line += " " + ev.Outcome
		}
		if ev.Error != "" {
			line += " error=" + ev.Error
		}
		if ev.DurationMs > 0 {
			line += fmt.Sprintf(" (%dms)", ev.DurationMs)
		}
		fmt.Fprintln(w, line)
		if logs, ok := ev.Data["rule_logs"].([]any); ok {
			for _, l := range logs {
				fmt.Fprintf(w, "    rule: %v\n", l)
			}
		}
	}
}
