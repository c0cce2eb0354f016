package jsmonitor

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/conflictscan/internal/models"
)

func TestRecordAttribution(t *testing.T) {
	m := New(nil)
	tests := []struct {
		source   string
		wantType string
		wantSlug string
	}{
		{"https://site.test/content/extensions/slider/js/app.js", models.SourcePlugin, "slider"},
		{"https://site.test/wp-content/plugins/forms/x.js?ver=2", models.SourcePlugin, "forms"},
		{"https://site.test/content/themes/storefront/main.js", models.SourceTheme, "storefront"},
		{"https://site.test/wp-includes/js/jquery.js", models.SourceCore, ""},
		{"https://site.test/shop/", models.SourceInline, ""},
		{"", models.SourceUnknown, ""},
	}
	for _, tc := range tests {
		e, ok := m.Record(Report{Message: "boom", Source: tc.source})
		if !ok {
			t.Fatalf("Record(%q) dropped", tc.source)
		}
		if e.Attribution.Type != tc.wantType || e.Attribution.Slug != tc.wantSlug {
			t.Errorf("source %q: got %+v", tc.source, e.Attribution)
		}
		if e.ID == "" {
			t.Error("recorded errors get an id")
		}
	}
}

func TestRecordDropsEmptyMessage(t *testing.T) {
	m := New(nil)
	if _, ok := m.Record(Report{Source: "x.js"}); ok {
		t.Fatal("empty message should be dropped")
	}
	if len(m.List(0, 0)) != 0 {
		t.Error("nothing should be stored")
	}
}

func TestCapAndOrder(t *testing.T) {
	m := New(nil)
	var clock int64
	m.now = func() time.Time { return time.UnixMilli(1_700_000_000_000 + clock) }
	for i := 1; i <= MaxErrors+20; i++ {
		clock = int64(i)
		m.Record(Report{Message: fmt.Sprintf("err %d", i)})
	}
	all := m.List(0, 0)
	if len(all) != MaxErrors {
		t.Fatalf("expected %d errors, got %d", MaxErrors, len(all))
	}
	if all[0].Message != "err 120" {
		t.Errorf("newest first: got %q", all[0].Message)
	}

	since := m.Since(1_700_000_000_116)
	if len(since) != 5 {
		t.Errorf("Since(116): got %d errors", len(since))
	}
	if got := m.List(0, 1_700_000_000_116); len(got) != 4 {
		t.Errorf("List after 116: got %d errors", len(got))
	}
	if got := m.List(3, 0); len(got) != 3 {
		t.Errorf("limit: got %d", len(got))
	}
}

func TestSummarizeAndCount(t *testing.T) {
	m := New(nil)
	now := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return now.Add(-2 * time.Hour) }
	m.Record(Report{Message: "c", Source: "/themes/storefront/c.js"})
	m.now = func() time.Time { return now }

	m.Record(Report{Message: "a", Source: "/plugins/forms/a.js"})
	m.Record(Report{Message: "b", Source: "/plugins/forms/b.js"})

	summary := Summarize(m.List(0, 0))
	if len(summary) != 2 || summary[0].Attribution.Slug != "forms" || summary[0].Count != 2 || summary[0].Latest != "b" {
		t.Errorf("summary: %+v", summary)
	}
	if got := m.Count(time.Hour); got != 2 {
		t.Errorf("Count: got %d", got)
	}

	m.Clear()
	if m.Count(time.Hour) != 0 {
		t.Error("Clear should drop everything")
	}
}

func TestFiltersUseReceiptTime(t *testing.T) {
	m := New(nil)
	server := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return server }

	tests := []struct {
		name   string
		client int64
	}{
		{"client clock behind", server.Add(-time.Hour).UnixMilli()},
		{"client clock ahead", server.Add(time.Hour).UnixMilli()},
		{"no client clock", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m.Clear()
			e, _ := m.Record(Report{Message: "boom", Timestamp: tc.client})
			if e.ReceivedAt != server.UnixMilli() {
				t.Errorf("ReceivedAt = %d", e.ReceivedAt)
			}
			if tc.client > 0 && e.Timestamp != tc.client {
				t.Errorf("client timestamp replaced: %d", e.Timestamp)
			}
			if n := len(m.Since(server.UnixMilli())); n != 1 {
				t.Errorf("Since(baseline) = %d errors, want 1", n)
			}
			if n := len(m.Since(server.Add(time.Millisecond).UnixMilli())); n != 0 {
				t.Errorf("Since(after) = %d errors, want 0", n)
			}
		})
	}
}

func TestScriptEmbedsBeaconURL(t *testing.T) {
	s := Script(`https://scan.test/js-errors?x="1"`)
	if !strings.Contains(s, `"https://scan.test/js-errors?x=\"1\""`) {
		t.Errorf("beacon url not quoted: %s", s[:80])
	}
}
