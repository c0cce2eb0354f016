package models

type CulpritType string

const (
	CulpritPlugin       CulpritType = "plugin"
	CulpritTheme        CulpritType = "theme"
	CulpritCoreOrServer CulpritType = "core_or_server"
)

type Outcome string

const (
	OutcomeCulpritFound  Outcome = "culprit_found"
	OutcomeMultiConflict Outcome = "multi_conflict"
	OutcomeNoIssueFound  Outcome = "no_issue_found"
	OutcomeNoExtensions  Outcome = "no_extensions"
	OutcomeCoreOrServer  Outcome = "core_or_server"
)

const (
	MethodBisection          = "bisection"
	MethodSequential         = "sequential"
	MethodSequentialFallback = "sequential_fallback"
)

type Culprit struct {
	Type          CulpritType `json:"type"`
	Slug          string      `json:"slug,omitempty"`
	Name          string      `json:"name"`
	Version       string      `json:"version,omitempty"`
	LatestVersion string      `json:"latest_version,omitempty"`
	IsOutdated    bool        `json:"is_outdated,omitempty"`
	DiagnosisNote string      `json:"diagnosis_note,omitempty"`
}

// MultiConflict lists two or more extensions that only fail together.
type MultiConflict struct {
	Extensions []ExtensionRef `json:"extensions"`
	Message    string         `json:"message"`
}

// StepProbe is an extra probe nested in a bisection round: the second half,
// or the repeat probe of the last remaining candidate.
type StepProbe struct {
	ExtensionsTested []string `json:"extensions_tested"`
	Passed           bool     `json:"passed"`
	Reasons          []string `json:"reasons,omitempty"`
}

// IsolationStep is one entry of the audit trail. Bisection rounds fill
// ExtensionsTested (Complement when the second half was probed, Confirm on
// the round that left one candidate); sequential steps fill ExtensionAdded
// and TotalActive.
type IsolationStep struct {
	Method           string     `json:"method"`
	StepNumber       int        `json:"step"`
	ExtensionsTested []string   `json:"extensions_tested,omitempty"`
	ExtensionAdded   string     `json:"extension_added,omitempty"`
	TotalActive      int        `json:"total_active,omitempty"`
	Passed           bool       `json:"passed"`
	Reasons          []string   `json:"reasons,omitempty"`
	Complement       *StepProbe `json:"complement,omitempty"`
	Confirm          *StepProbe `json:"confirm,omitempty"`
}

type ThemeCheck struct {
	Tested         bool   `json:"tested"`
	ReferenceTheme string `json:"reference_theme"`
	Passed         bool   `json:"passed"`
	Note           string `json:"note,omitempty"`
}

type Environment struct {
	ActiveExtensionsCount int    `json:"active_extensions_count"`
	ActiveTheme           string `json:"active_theme"`
	ReferenceTheme        string `json:"reference_theme"`
	Runtime               string `json:"runtime"`
}

type LogEntry struct {
	Timestamp   string      `json:"timestamp"`
	Severity    string      `json:"severity"`
	Line        string      `json:"line"`
	Attribution Attribution `json:"attribution"`
}

const (
	SourcePlugin  = "plugin"
	SourceTheme   = "theme"
	SourceCore    = "core"
	SourceInline  = "inline"
	SourceUnknown = "unknown"
)

// Attribution names the code a log line or frontend error came from.
type Attribution struct {
	Type string `json:"type"`
	Slug string `json:"slug,omitempty"`
	Name string `json:"name"`
}

type JSError struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Message     string      `json:"message"`
	Source      string      `json:"source,omitempty"`
	Line        int         `json:"line,omitempty"`
	Column      int         `json:"column,omitempty"`
	Stack       string      `json:"stack,omitempty"`
	Page        string      `json:"page,omitempty"`
	Attribution Attribution `json:"attribution"`
	// Timestamp is the browser's clock and is only shown. ReceivedAt is the
	// server's clock in ms and is what time filters compare against.
	Timestamp  int64 `json:"timestamp"`
	ReceivedAt int64 `json:"received_at"`
}

type Analysis struct {
	Diagnosis      string `json:"diagnosis"`
	Recommendation string `json:"recommendation"`
	Confidence     string `json:"confidence"`
}

// ScanResult is the terminal payload of a completed session. It is written
// once and never changed.
type ScanResult struct {
	Outcome            Outcome         `json:"outcome"`
	UserContext        string          `json:"user_context,omitempty"`
	OutdatedExtensions []ExtensionRef  `json:"outdated_extensions"`
	CleanSlatePassed   *bool           `json:"clean_slate_passed"`
	Culprit            *Culprit        `json:"culprit"`
	MultiConflict      *MultiConflict  `json:"multi_conflict"`
	ThemeConflict      bool            `json:"theme_conflict"`
	ThemeCheck         *ThemeCheck     `json:"theme_check,omitempty"`
	IsolationMethod    string          `json:"isolation_method,omitempty"`
	Steps              []IsolationStep `json:"steps"`
	Environment        Environment     `json:"environment"`
	LogExcerpt         string          `json:"log_excerpt,omitempty"`
	LogEntries         []LogEntry      `json:"log_entries,omitempty"`
	JSErrors           []JSError       `json:"js_errors,omitempty"`
	Analysis           *Analysis       `json:"analysis,omitempty"`
}
