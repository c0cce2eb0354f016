package lua

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mpataki/conflictscan/internal/probe"
)

const checkoutRule = `
function check(resp)
  if resp.status == 200 and not contains(resp.body, "id=\"checkout\"") then
    log("missing checkout on " .. resp.url)
    return false, "checkout form missing"
  end
  if resp.headers["x-debug"] == "fatal" then
    return false
  end
  return true
end
`

func TestRulesCheck(t *testing.T) {
	r, err := NewRules(checkoutRule)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	defer r.Close()

	tests := []struct {
		name       string
		obs        probe.Observation
		wantOK     bool
		wantReason string
		wantLogs   []string
	}{
		{"has checkout", probe.Observation{StatusCode: 200, Body: `<form id="checkout">`}, true, "", nil},
		{"missing checkout", probe.Observation{URL: "http://x", StatusCode: 200, Body: "<p>hi</p>"}, false, "checkout form missing", []string{"missing checkout on http://x"}},
		{"header flag", probe.Observation{StatusCode: 302, Header: http.Header{"X-Debug": {"fatal"}}}, false, "", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := r.Check(context.Background(), tc.obs)
			if err != nil {
				t.Fatalf("Check failed: %v", err)
			}
			if v.OK != tc.wantOK || v.Reason != tc.wantReason {
				t.Errorf("got (%v, %q), want (%v, %q)", v.OK, v.Reason, tc.wantOK, tc.wantReason)
			}
			if !reflect.DeepEqual(v.Logs, tc.wantLogs) {
				t.Errorf("logs = %v, want %v", v.Logs, tc.wantLogs)
			}
		})
	}
}

func TestRulesLogCapped(t *testing.T) {
	r, err := NewRules(`function check(resp) for i = 1, 100 do log("line " .. i) end return true end`)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	defer r.Close()

	for i := 0; i < 2; i++ {
		v, err := r.Check(context.Background(), probe.Observation{})
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if len(v.Logs) != maxLogLines || v.Logs[0] != "line 1" {
			t.Fatalf("check %d: %d logs, first %q", i, len(v.Logs), v.Logs[0])
		}
	}
}

func TestRulesRequireCheckFunction(t *testing.T) {
	if _, err := NewRules(`x = 1`); err == nil {
		t.Fatal("expected error when check is not defined")
	}
}

func TestRulesSandboxed(t *testing.T) {
	r, err := NewRules(`function check(resp) return dofile == nil and load == nil and math.random == nil end`)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	defer r.Close()

	v, err := r.Check(context.Background(), probe.Observation{})
	if err != nil || !v.OK {
		t.Errorf("unsafe functions should be removed: ok=%v err=%v", v.OK, err)
	}
}

func TestRulesNonBooleanVerdict(t *testing.T) {
	r, err := NewRules(`function check(resp) return "yes" end`)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	defer r.Close()

	if _, err := r.Check(context.Background(), probe.Observation{}); err == nil {
		t.Fatal("expected error for non-boolean verdict")
	}
}

func TestRulesRunawayScriptStops(t *testing.T) {
	r, err := NewRules(`function check(resp) while true do end end`)
	if err != nil {
		t.Fatalf("NewRules failed: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Check(ctx, probe.Observation{}); err == nil {
		t.Fatal("expected canceled script to error")
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.lua")
	if err := os.WriteFile(path, []byte(checkoutRule), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	r.Close()

	if !IsRulesScript(path) || IsRulesScript("rules.yaml") {
		t.Error("IsRulesScript misclassified")
	}
}
