package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mpataki/conflictscan/internal/jsmonitor"
	"github.com/mpataki/conflictscan/internal/models"
)

type fakeScans struct {
	mu       sync.Mutex
	sessions map[int64]*models.ScanSession
	next     int64
	contexts []string
}

func newFakeScans() *fakeScans {
	return &fakeScans{sessions: map[int64]*models.ScanSession{}}
}

func (f *fakeScans) StartScan(ctx context.Context, userContext string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sessions[f.next] = &models.ScanSession{
		ID:          f.next,
		CloneID:     fmt.Sprintf("sb_%06x", f.next),
		UserContext: userContext,
		Status:      models.ScanStatusQueued,
		Progress:    models.DefaultProgress(models.ScanStatusQueued),
	}
	f.contexts = append(f.contexts, userContext)
	return f.next, nil
}

func (f *fakeScans) Get(ctx context.Context, id int64) (*models.ScanSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, models.NewError(models.KindSessionNotFound, "get session", fmt.Errorf("session %d not found", id))
	}
	return sess, nil
}

func (f *fakeScans) ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.ScanSession{}
	for id := f.next; id > 0 && len(out) < limit; id-- {
		out = append(out, f.sessions[id])
	}
	return out, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeScans, *jsmonitor.Monitor) {
	t.Helper()
	scans := newFakeScans()
	monitor := jsmonitor.New(nil)
	srv := httptest.NewServer(New(Options{Scans: scans, JSErrors: monitor, Token: token, Version: "test"}))
	t.Cleanup(srv.Close)
	return srv, scans, monitor
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestStartAndPollScan(t *testing.T) {
	srv, scans, _ := newTestServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/scans", `{"user_context":"  cart page is blank  "}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /scans status = %d", resp.StatusCode)
	}
	var started startScanResponse
	decode(t, resp, &started)
	if started.SessionID != 1 || started.Status != models.ScanStatusQueued {
		t.Errorf("started = %+v", started)
	}
	if scans.contexts[0] != "cart page is blank" {
		t.Errorf("user context = %q", scans.contexts[0])
	}

	resp = do(t, http.MethodGet, fmt.Sprintf("%s/scans/%d", srv.URL, started.SessionID), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /scans/1 status = %d", resp.StatusCode)
	}
	var sess models.ScanSession
	decode(t, resp, &sess)
	if sess.CloneID == "" || sess.Progress == nil || sess.Progress.Step != "queued" {
		t.Errorf("session = %+v", sess)
	}
}

func TestStartScanWithoutBody(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp := do(t, http.MethodPost, srv.URL+"/scans", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestGetScanErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	tests := []struct {
		path string
		want int
	}{
		{"/scans/99", http.StatusNotFound},
		{"/scans/abc", http.StatusBadRequest},
		{"/scans/0", http.StatusBadRequest},
		{"/scans?limit=-1", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp := do(t, http.MethodGet, srv.URL+tc.path, "", nil)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestListScans(t *testing.T) {
	srv, scans, _ := newTestServer(t, "")
	for i := 0; i < 3; i++ {
		scans.StartScan(context.Background(), "")
	}

	resp := do(t, http.MethodGet, srv.URL+"/scans?limit=2", "", nil)
	var sessions []models.ScanSession
	decode(t, resp, &sessions)
	if len(sessions) != 2 || sessions[0].ID != 3 {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestTokenGuardsScanEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret")

	if resp := do(t, http.MethodGet, srv.URL+"/scans", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/scans", "", map[string]string{TokenHeader: "secret"}); resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", resp.StatusCode)
	}
	beacon := `{"message":"x is not defined","source":"https://site.test/extensions/forms/app.js"}`
	if resp := do(t, http.MethodPost, srv.URL+"/js-errors", beacon, nil); resp.StatusCode != http.StatusAccepted {
		t.Errorf("beacon without token: status = %d, want 202", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d", resp.StatusCode)
	}
}

func TestJSErrorBeacon(t *testing.T) {
	srv, _, monitor := newTestServer(t, "")

	resp := do(t, http.MethodPost, srv.URL+"/js-errors",
		`{"type":"error","message":"x is not defined","source":"https://site.test/extensions/forms/app.js","line":3,"stack":null}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	if n := len(monitor.Since(0)); n != 1 {
		t.Fatalf("stored = %d, want 1", n)
	}

	for _, body := range []string{`{"message":""}`, `not json`} {
		if resp := do(t, http.MethodPost, srv.URL+"/js-errors", body, nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}

	resp = do(t, http.MethodGet, srv.URL+"/js-errors?since=0", "", nil)
	var list jsErrorsResponse
	decode(t, resp, &list)
	if len(list.Errors) != 1 || list.Errors[0].Attribution.Slug != "forms" {
		t.Errorf("errors = %+v", list.Errors)
	}
	if len(list.Summary) != 1 || list.Summary[0].Count != 1 {
		t.Errorf("summary = %+v", list.Summary)
	}
}

func TestHealthCountAndClearJSErrors(t *testing.T) {
	srv, _, monitor := newTestServer(t, "secret")
	monitor.Record(jsmonitor.Report{Message: "x is not defined"})

	var health healthResponse
	decode(t, do(t, http.MethodGet, srv.URL+"/healthz", "", nil), &health)
	if health.Status != "ok" || health.JSErrorsLastHour != 1 {
		t.Errorf("health = %+v", health)
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/js-errors", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("clear without token: status = %d, want 401", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/js-errors", "", map[string]string{TokenHeader: "secret"}); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear: status = %d, want 204", resp.StatusCode)
	}
	decode(t, do(t, http.MethodGet, srv.URL+"/healthz", "", nil), &health)
	if health.JSErrorsLastHour != 0 {
		t.Errorf("after clear: %+v", health)
	}
}

func TestBeaconRejectsOversizedReport(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	body := `{"message":"` + strings.Repeat("a", maxBeaconBytes) + `"}`
	if resp := do(t, http.MethodPost, srv.URL+"/js-errors", body, nil); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestMonitorScript(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/js-monitor.js", "", nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/javascript" {
		t.Errorf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if !strings.Contains(string(body), srv.Listener.Addr().String()+"/js-errors") {
		t.Errorf("script does not point at the beacon: %s", body)
	}
}
