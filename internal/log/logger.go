// Package log appends structured scan events to a JSONL file.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	EventScanQueued     = "scan_queued"
	EventScanStarted    = "scan_started"
	EventPhase          = "phase"
	EventProbe          = "probe"
	EventCloneCreated   = "clone_created"
	EventCloneDestroyed = "clone_destroyed"
	EventScanCompleted  = "scan_completed"
	EventScanFailed     = "scan_failed"
	EventScanReaped     = "scan_reaped"
	EventAPIRequest     = "api_request"
)

// LogEvent is a single line in the event log.
type LogEvent struct {
	Time       time.Time      `json:"time"`
	Event      string         `json:"event"`
	SessionID  int64          `json:"session,omitempty"`
	CloneID    string         `json:"clone,omitempty"`
	Step       string         `json:"step,omitempty"`
	URL        string         `json:"url,omitempty"`
	Passed     *bool          `json:"passed,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Reasons    []string       `json:"reasons,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Logger writes append-only JSONL events. A nil *Logger discards events.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates a Logger writing to path, creating the parent directory.
// An existing file is appended to, never truncated.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &Logger{path: path}, nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes event as one JSON line. A zero Time is set to now (UTC).
func (l *Logger) Append(event LogEvent) error {
	if l == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log event: %w", err)
	}
	return nil
}

// ReadAll parses every event in the log. A missing file yields no events.
func (l *Logger) ReadAll() ([]LogEvent, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEvent{}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event LogEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return events, nil
}

// ForSession returns the events recorded for one scan session, in order.
func (l *Logger) ForSession(sessionID int64) ([]LogEvent, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []LogEvent
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func Bool(b bool) *bool {
	return &b
}
