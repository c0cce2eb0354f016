package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/conflictscan/internal/buildinfo"
	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
)

func TestParseSessionID(t *testing.T) {
	if id, err := parseSessionID("42"); err != nil || id != 42 {
		t.Fatalf("parseSessionID(42) = %d, %v", id, err)
	}
	for _, arg := range []string{"", "abc", "0", "-3"} {
		if _, err := parseSessionID(arg); err == nil {
			t.Errorf("parseSessionID(%q) should fail", arg)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	original := buildinfo.Version
	t.Cleanup(func() {
		buildinfo.Version = original
	})
	buildinfo.Version = "v1.2.3"

	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != "conflictscan v1.2.3\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestPrintSessionResult(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	sess := &models.ScanSession{
		ID:          5,
		CloneID:     "sb_0a1b2c",
		UserContext: "checkout is blank",
		Status:      models.ScanStatusCompleted,
		CreatedAt:   created,
		UpdatedAt:   created.Add(42 * time.Second),
		Result: &models.ScanResult{
			Outcome:         models.OutcomeCulpritFound,
			IsolationMethod: "bisection",
			Culprit:         &models.Culprit{Type: models.CulpritPlugin, Slug: "forms", Name: "Contact Forms", Version: "2.1"},
			OutdatedExtensions: []models.ExtensionRef{
				{Slug: "forms", Name: "Contact Forms", VersionCurrent: "2.1", VersionLatest: "2.4", IsOutdated: true},
			},
			Steps:    []models.IsolationStep{{Method: models.MethodBisection, StepNumber: 1}},
			Analysis: &models.Analysis{Diagnosis: "Contact Forms breaks the site when active.", Recommendation: "Update Contact Forms.", Confidence: "high"},
		},
	}

	var out bytes.Buffer
	printSession(&out, sess)
	for _, want := range []string{
		"Scan #5 [completed]",
		"Context: checkout is blank",
		"Duration: 42s",
		"Outcome: culprit_found",
		"Culprit: Contact Forms 2.1 (plugin)",
		"Contact Forms 2.1 -> 2.4",
		"Steps: 1 (bisection)",
		"Confidence: high",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintSessionFailure(t *testing.T) {
	reason := "scan canceled"
	var out bytes.Buffer
	printSession(&out, &models.ScanSession{ID: 2, CloneID: "sb_ffffff", Status: models.ScanStatusFailed, ErrorMessage: &reason})
	if !strings.Contains(out.String(), "Error: scan canceled") {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "Outcome") {
		t.Errorf("failed session without result printed an outcome: %q", out.String())
	}
}

func TestPrintSessionList(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	var out bytes.Buffer
	printSessionList(&out, nil, now)
	if out.String() != "No scans found.\n" {
		t.Errorf("empty list = %q", out.String())
	}

	out.Reset()
	printSessionList(&out, []*models.ScanSession{
		{ID: 2, CloneID: "sb_000002", Status: models.ScanStatusRunning, CreatedAt: now.Add(-90 * time.Second)},
		{ID: 1, CloneID: "sb_000001", Status: models.ScanStatusCompleted, CreatedAt: now.Add(-time.Hour), Result: &models.ScanResult{Outcome: models.OutcomeNoIssueFound}},
	}, now)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "#2 sb_000002 [running] 1m30s ago" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "#1 sb_000001 [completed] no_issue_found 1h0m ago" {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestPrintEvents(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []log.LogEvent{
		{Time: at, Event: log.EventScanStarted, SessionID: 9},
		{Time: at, Event: log.EventProbe, SessionID: 9, Passed: log.Bool(false), Reasons: []string{"fatal error"},
			Data: map[string]any{"rule_logs": []any{"checkout missing"}}},
		{Time: at, Event: log.EventScanCompleted, SessionID: 9, Outcome: "culprit_found", DurationMs: 1200},
	}

	var out bytes.Buffer
	printEvents(&out, events)
	for _, want := range []string{
		"03:04:05 scan_started",
		"probe FAIL: fatal error",
		"rule: checkout missing",
		"scan_completed culprit_found (1200ms)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printEvents(&out, nil)
	if out.String() != "No events recorded.\n" {
		t.Errorf("empty output = %q", out.String())
	}
}
