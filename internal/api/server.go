// Package api serves the scan polling endpoints and the frontend error
// beacon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mpataki/conflictscan/internal/jsmonitor"
	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
)

const (
	TokenHeader    = "X-API-Token"
	maxBeaconBytes = 64 << 10
	maxContextLen  = 2000
)

// Scans is the slice of the orchestrator the API drives.
type Scans interface {
	StartScan(ctx context.Context, userContext string) (int64, error)
	Get(ctx context.Context, id int64) (*models.ScanSession, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error)
}

type Options struct {
	Scans    Scans
	JSErrors *jsmonitor.Monitor
	Token    string
	Version  string
	Logger   *log.Logger
}

type Server struct {
	opts Options
	mux  *http.ServeMux
}

func New(opts Options) *Server {
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /scans", s.withAuth(s.startScan))
	s.mux.HandleFunc("GET /scans", s.withAuth(s.listScans))
	s.mux.HandleFunc("GET /scans/{id}", s.withAuth(s.getScan))
	s.mux.HandleFunc("GET /js-errors", s.withAuth(s.listJSErrors))
	s.mux.HandleFunc("POST /js-errors", s.recordJSError)
	s.mux.HandleFunc("DELETE /js-errors", s.withAuth(s.clearJSErrors))
	s.mux.HandleFunc("OPTIONS /js-errors", s.preflight)
	s.mux.HandleFunc("GET /js-monitor.js", s.script)
	s.mux.HandleFunc("GET /healthz", s.healthz)
	return s
}

// ServeHTTP records every request as an api_request event.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.opts.Logger.Append(log.LogEvent{
		Event:      log.EventAPIRequest,
		URL:        r.Method + " " + r.URL.Path,
		StatusCode: rec.status,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.opts.Token) != "" && r.Header.Get(TokenHeader) != s.opts.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type startScanRequest struct {
	UserContext string `json:"user_context"`
}

type startScanResponse struct {
	SessionID int64             `json:"session_id"`
	Status    models.ScanStatus `json:"status"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}
	userContext := strings.TrimSpace(req.UserContext)
	if len(userContext) > maxContextLen {
		userContext = userContext[:maxContextLen]
	}

	id, err := s.opts.Scans.StartScan(r.Context(), userContext)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := models.ScanStatusQueued
	if sess, err := s.opts.Scans.Get(r.Context(), id); err == nil {
		status = sess.Status
	}
	writeJSON(w, http.StatusAccepted, startScanResponse{SessionID: id, Status: status})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}
	sess, err := s.opts.Scans.Get(r.Context(), id)
	if models.KindOf(err) == models.KindSessionNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil || limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return
	}
	sessions, err := s.opts.Scans.ListRecent(r.Context(), int(limit))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type jsErrorsResponse struct {
	Errors  []models.JSError    `json:"errors"`
	Summary []jsmonitor.Summary `json:"summary"`
}

func (s *Server) listJSErrors(w http.ResponseWriter, r *http.Request) {
	if s.opts.JSErrors == nil {
		writeJSON(w, http.StatusOK, jsErrorsResponse{Errors: []models.JSError{}, Summary: []jsmonitor.Summary{}})
		return
	}
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a ms timestamp"})
		return
	}
	limit, err := queryInt(r, "limit", jsmonitor.MaxErrors)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return
	}
	errs := s.opts.JSErrors.List(int(limit), since)
	writeJSON(w, http.StatusOK, jsErrorsResponse{Errors: errs, Summary: jsmonitor.Summarize(errs)})
}

func (s *Server) recordJSError(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)
	if s.opts.JSErrors == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var report jsmonitor.Report
	body := http.MaxBytesReader(w, r.Body, maxBeaconBytes)
	if err := json.NewDecoder(body).Decode(&report); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "report too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	e, ok := s.opts.JSErrors.Record(report)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID})
}

func (s *Server) clearJSErrors(w http.ResponseWriter, r *http.Request) {
	if s.opts.JSErrors != nil {
		s.opts.JSErrors.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) script(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	allowOrigin(w)
	w.Header().Set("Content-Type", "application/javascript")
	w.Write([]byte(jsmonitor.Script(scheme + "://" + r.Host + "/js-errors")))
}

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	JSErrorsLastHour int    `json:"js_errors_last_hour"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.opts.Version}
	if s.opts.JSErrors != nil {
		resp.JSErrorsLastHour = s.opts.JSErrors.Count(time.Hour)
	}
	writeJSON(w, http.StatusOK, resp)
}

func allowOrigin(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.Encode(payload)
}
