package models

import "time"

type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// Progress is the latest snapshot of a running scan. Only the newest
// snapshot is kept; there is no history.
type Progress struct {
	Step      string         `json:"step"`
	Message   string         `json:"message"`
	Percent   int            `json:"percent"`
	UpdatedAt int64          `json:"updated_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type ScanSession struct {
	ID           int64       `json:"id"`
	CloneID      string      `json:"clone_id"`
	UserContext  string      `json:"user_context,omitempty"`
	Status       ScanStatus  `json:"status"`
	Progress     *Progress   `json:"progress,omitempty"`
	Result       *ScanResult `json:"result,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DefaultProgress rebuilds a progress snapshot from the status alone, used
// when the stored snapshot was lost.
func DefaultProgress(status ScanStatus) *Progress {
	switch status {
	case ScanStatusQueued:
		return &Progress{Step: "queued", Message: "Waiting to start...", Percent: 0}
	case ScanStatusRunning:
		return &Progress{Step: "running", Message: "Scan in progress...", Percent: 0}
	case ScanStatusCompleted:
		return &Progress{Step: "done", Message: "Scan complete", Percent: 100}
	case ScanStatusFailed:
		return &Progress{Step: "failed", Message: "Scan failed", Percent: 100}
	}
	return &Progress{Step: string(status)}
}
