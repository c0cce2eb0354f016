// Package jsmonitor collects frontend errors reported by the beacon script
// injected into host pages.
package jsmonitor

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/conflictscan/internal/diagnostics"
	"github.com/mpataki/conflictscan/internal/models"
)

const (
	MaxErrors     = 100
	maxMessageLen = 1000
	maxStackLen   = 2000
)

// Report is the beacon payload.
type Report struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Source    string `json:"source"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Stack     string `json:"stack"`
	Page      string `json:"page"`
	Timestamp int64  `json:"timestamp"`
}

// Summary groups errors by the code they came from.
type Summary struct {
	Attribution models.Attribution `json:"attribution"`
	Count       int                `json:"count"`
	Latest      string             `json:"latest"`
}

// Monitor keeps the most recent errors, newest first.
type Monitor struct {
	mu     sync.Mutex
	errors []models.JSError
	names  diagnostics.Namer
	now    func() time.Time
}

func New(names diagnostics.Namer) *Monitor {
	return &Monitor{names: names, now: time.Now}
}

// Record stores r. Reports without a message are dropped and ok is false.
func (m *Monitor) Record(r Report) (models.JSError, bool) {
	if strings.TrimSpace(r.Message) == "" {
		return models.JSError{}, false
	}
	if r.Type == "" {
		r.Type = "error"
	}
	received := m.now().UnixMilli()
	if r.Timestamp <= 0 {
		r.Timestamp = received
	}
	if r.Line < 0 {
		r.Line = 0
	}
	if r.Column < 0 {
		r.Column = 0
	}

	e := models.JSError{
		ID:          uuid.NewString(),
		Type:        r.Type,
		Message:     truncate(r.Message, maxMessageLen),
		Source:      r.Source,
		Line:        r.Line,
		Column:      r.Column,
		Stack:       truncate(r.Stack, maxStackLen),
		Page:        r.Page,
		Attribution: m.attribute(r.Source),
		Timestamp:   r.Timestamp,
		ReceivedAt:  received,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append([]models.JSError{e}, m.errors...)
	if len(m.errors) > MaxErrors {
		m.errors = m.errors[:MaxErrors]
	}
	return e, true
}

func (m *Monitor) attribute(source string) models.Attribution {
	if source == "" {
		return models.Attribution{Type: models.SourceUnknown, Name: "Unknown"}
	}
	a := diagnostics.Attribute(source, m.names)
	if a.Type == models.SourceUnknown {
		return models.Attribution{Type: models.SourceInline, Name: "Inline Script"}
	}
	return a
}

// List returns up to limit errors received after sinceMs, newest first.
func (m *Monitor) List(limit int, sinceMs int64) []models.JSError {
	return m.collect(limit, func(e models.JSError) bool { return e.ReceivedAt > sinceMs })
}

// Since returns every stored error received at or after sinceMs.
func (m *Monitor) Since(sinceMs int64) []models.JSError {
	return m.collect(MaxErrors, func(e models.JSError) bool { return e.ReceivedAt >= sinceMs })
}

func (m *Monitor) collect(limit int, keep func(models.JSError) bool) []models.JSError {
	if limit <= 0 || limit > MaxErrors {
		limit = MaxErrors
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.JSError{}
	for _, e := range m.errors {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func Summarize(errs []models.JSError) []Summary {
	out := []Summary{}
	index := map[string]int{}
	for _, e := range errs {
		key := e.Attribution.Type + ":" + e.Attribution.Slug + ":" + e.Attribution.Name
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Summary{Attribution: e.Attribution, Latest: e.Message})
		}
		out[i].Count++
	}
	return out
}

// Count returns how many errors were received within window.
func (m *Monitor) Count(window time.Duration) int {
	return len(m.Since(m.now().Add(-window).UnixMilli()))
}

// Clear drops every stored error.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
