package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/conflictscan/internal/models"
)

type View int

const (
	ViewSessionList View = iota
	ViewSessionDetail
)

const (
	pollInterval = time.Second
	listLimit    = 20
)

// Sessions is the read side of the orchestrator.
type Sessions interface {
	Get(ctx context.Context, id int64) (*models.ScanSession, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error)
}

// Starter queues a new scan.
type Starter interface {
	StartScan(ctx context.Context, userContext string) (int64, error)
}

type App struct {
	sessions Sessions
	starter  Starter

	view        View
	list        []*models.ScanSession
	selectedIdx int
	current     *models.ScanSession
	currentID   int64

	// quitWhenDone ends the program once the watched session is terminal.
	quitWhenDone bool

	bar     progress.Model
	spinner spinner.Model

	width  int
	height int
	err    error
}

// NewApp opens on the list of recent sessions. starter may be nil.
func NewApp(sessions Sessions, starter Starter) *App {
	return &App{
		sessions: sessions,
		starter:  starter,
		view:     ViewSessionList,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusRunning)),
	}
}

// NewWatch follows one session and exits when it finishes.
func NewWatch(sessions Sessions, id int64) *App {
	a := NewApp(sessions, nil)
	a.view = ViewSessionDetail
	a.currentID = id
	a.quitWhenDone = true
	return a
}

// Session returns the last loaded state of the watched session.
func (a *App) Session() *models.ScanSession {
	return a.current
}

func (a *App) Init() tea.Cmd {
	if a.view == ViewSessionDetail {
		return tea.Batch(a.loadSession(a.currentID), a.spinner.Tick, a.tickCmd())
	}
	return tea.Batch(a.loadSessions, a.spinner.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveSessions() bool {
	for _, sess := range a.list {
		if !sess.Status.IsTerminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if w := msg.Width - 10; w > 10 && w < 60 {
			a.bar.Width = w
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case sessionsLoadedMsg:
		a.list = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.list) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.list) - 1
		}
		return a, nil

	case sessionLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.current = msg.session
			if a.quitWhenDone && a.current.Status.IsTerminal() {
				return a, tea.Quit
			}
		}
		return a, nil

	case scanStartedMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.view = ViewSessionDetail
		a.currentID = msg.id
		return a, tea.Batch(a.loadSession(msg.id), a.loadSessions)

	case tickMsg:
		switch {
		case a.view == ViewSessionDetail && (a.current == nil || !a.current.Status.IsTerminal()):
			return a, tea.Batch(a.loadSession(a.currentID), a.tickCmd())
		case a.view == ViewSessionList && a.hasActiveSessions():
			return a, tea.Batch(a.loadSessions, a.tickCmd())
		}
		return a, a.tickCmd()
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewSessionList:
		return a.handleListKey(msg)
	case ViewSessionDetail:
		return a.handleDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.list)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.list) > 0 && a.selectedIdx < len(a.list) {
			a.view = ViewSessionDetail
			a.current = a.list[a.selectedIdx]
			a.currentID = a.current.ID
			return a, a.loadSession(a.currentID)
		}

	case "n":
		if a.starter != nil {
			return a, a.startScan
		}

	case "r":
		return a, a.loadSessions
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "q", "esc":
		if a.quitWhenDone {
			return a, tea.Quit
		}
		a.view = ViewSessionList
		a.current = nil
		return a, a.loadSessions

	case "r":
		return a, a.loadSession(a.currentID)
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewSessionList:
		return a.viewSessionList()
	case ViewSessionDetail:
		return a.viewSessionDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusQueued   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	findingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewSessionList() string {
	s := titleStyle.Render("Conflict Scan") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.list) == 0 {
		s += "No scans yet.\n"
	} else {
		s += "Recent Scans\n"
		s += "────────────\n"

		for i, sess := range a.list {
			line := a.formatSessionLine(sess)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if sess.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	help := "[enter] view  [r] refresh  [q] quit"
	if a.starter != nil {
		help = "[enter] view  [n] new scan  [r] refresh  [q] quit"
	}
	s += "\n" + helpStyle.Render(help)
	return s
}

func (a *App) formatSessionLine(sess *models.ScanSession) string {
	summary := truncate(sess.UserContext, 30)
	if sess.Result != nil {
		summary = string(sess.Result.Outcome)
	}
	return fmt.Sprintf("#%-4d %s  %-12s  %-6s  %s",
		sess.ID, sess.CloneID, a.formatStatus(sess.Status), formatAge(sess.CreatedAt), summary)
}

func (a *App) viewSessionDetail() string {
	sess := a.current
	if sess == nil {
		if a.err != nil {
			return statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
		}
		return a.spinner.View() + " Loading scan...\n"
	}

	header := fmt.Sprintf("Scan #%d", sess.ID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(sess.Status) + "\n\n"
	s += labelStyle.Render("Sandbox: ") + dimStyle.Render(sess.CloneID) + "\n"
	if sess.UserContext != "" {
		s += labelStyle.Render("Reported: ") + sess.UserContext + "\n"
	}
	s += "\n"

	switch sess.Status {
	case models.ScanStatusQueued, models.ScanStatusRunning:
		s += a.viewProgress(sess.Progress)
	case models.ScanStatusFailed:
		msg := "unknown error"
		if sess.ErrorMessage != nil {
			msg = *sess.ErrorMessage
		}
		s += statusFailed.Render("Scan failed: "+msg) + "\n"
	case models.ScanStatusCompleted:
		s += viewResult(sess.Result)
	}

	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	help := "[r] refresh  [esc] back  [q] quit"
	if a.quitWhenDone {
		help = "[q] stop watching"
	}
	s += "\n" + helpStyle.Render(help)
	return s
}

func (a *App) viewProgress(p *models.Progress) string {
	if p == nil {
		p = models.DefaultProgress(models.ScanStatusQueued)
	}
	s := a.bar.ViewAs(float64(p.Percent)/100) + "\n"
	s += a.spinner.View() + " " + p.Message + "\n"
	if ext, ok := p.Extra["current_extension"].(string); ok {
		s += dimStyle.Render("  testing "+ext) + "\n"
	}
	return s
}

func viewResult(r *models.ScanResult) string {
	if r == nil {
		return "(no result)\n"
	}
	var b strings.Builder

	b.WriteString(labelStyle.Render("Outcome: ") + findingStyle.Render(string(r.Outcome)) + "\n")
	switch {
	case r.Culprit != nil:
		c := r.Culprit
		line := c.Name
		if c.Version != "" {
			line += " " + c.Version
		}
		if c.IsOutdated {
			line += dimStyle.Render(fmt.Sprintf(" (latest %s)", c.LatestVersion))
		}
		b.WriteString(labelStyle.Render("Culprit: ") + line + "\n")
		if c.DiagnosisNote != "" {
			b.WriteString("  " + dimStyle.Render(c.DiagnosisNote) + "\n")
		}
	case r.MultiConflict != nil:
		names := make([]string, 0, len(r.MultiConflict.Extensions))
		for _, e := range r.MultiConflict.Extensions {
			names = append(names, e.Name)
		}
		b.WriteString(labelStyle.Render("Together: ") + strings.Join(names, ", ") + "\n")
	}
	if r.ThemeCheck != nil {
		tc := r.ThemeCheck
		switch {
		case !tc.Tested:
			b.WriteString(labelStyle.Render("Theme: ") + dimStyle.Render(tc.Note) + "\n")
		case r.ThemeConflict:
			b.WriteString(labelStyle.Render("Theme: ") + statusRunning.Render("conflicts with "+r.Environment.ActiveTheme) + "\n")
		default:
			b.WriteString(labelStyle.Render("Theme: ") + "not involved\n")
		}
	}

	if len(r.Steps) > 0 {
		b.WriteString("\nSteps")
		if r.IsolationMethod != "" {
			b.WriteString(dimStyle.Render(" (" + r.IsolationMethod + ")"))
		}
		b.WriteString("\n─────\n")
		for _, st := range r.Steps {
			b.WriteString(formatStep(st) + "\n")
		}
	}

	if r.Analysis != nil {
		b.WriteString("\n" + r.Analysis.Diagnosis + "\n")
		b.WriteString(labelStyle.Render("Next: ") + r.Analysis.Recommendation + "\n")
		b.WriteString(dimStyle.Render("confidence: "+r.Analysis.Confidence) + "\n")
	}
	if n := len(r.LogEntries) + len(r.JSErrors); n > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d log entries, %d frontend errors", len(r.LogEntries), len(r.JSErrors))) + "\n")
	}
	return b.String()
}

func formatStep(st models.IsolationStep) string {
	mark := func(passed bool) string {
		if passed {
			return statusComplete.Render("✓")
		}
		return statusFailed.Render("✗")
	}

	if st.Method == models.MethodSequential {
		return fmt.Sprintf("%2d. +%-20s %s  (%d active)", st.StepNumber, st.ExtensionAdded, mark(st.Passed), st.TotalActive)
	}
	line := fmt.Sprintf("%2d. [%s] %s", st.StepNumber, truncate(strings.Join(st.ExtensionsTested, " "), 40), mark(st.Passed))
	if st.Complement != nil {
		line += fmt.Sprintf("  [%s] %s", truncate(strings.Join(st.Complement.ExtensionsTested, " "), 40), mark(st.Complement.Passed))
	}
	if st.Confirm != nil {
		line += fmt.Sprintf("  again %s", mark(st.Confirm.Passed))
	}
	return line
}

func (a *App) formatStatus(status models.ScanStatus) string {
	switch status {
	case models.ScanStatusRunning:
		return statusRunning.Render("● running")
	case models.ScanStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.ScanStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.ScanStatusQueued:
		return statusQueued.Render("○ queued")
	default:
		return string(status)
	}
}

// Messages

type sessionsLoadedMsg struct {
	sessions []*models.ScanSession
	err      error
}

type sessionLoadedMsg struct {
	session *models.ScanSession
	err     error
}

type scanStartedMsg struct {
	id  int64
	err error
}

// Commands

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.sessions.ListRecent(context.Background(), listLimit)
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (a *App) loadSession(id int64) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.sessions.Get(context.Background(), id)
		return sessionLoadedMsg{session: sess, err: err}
	}
}

func (a *App) startScan() tea.Msg {
	id, err := a.starter.StartScan(context.Background(), "")
	return scanStartedMsg{id: id, err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

// FormatDuration renders d compactly, e.g. 850ms, 42s, 3m7s.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
