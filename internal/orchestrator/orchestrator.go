package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/conflictscan/internal/buildinfo"
	"github.com/mpataki/conflictscan/internal/catalog"
	"github.com/mpataki/conflictscan/internal/clone"
	"github.com/mpataki/conflictscan/internal/diagnostics"
	"github.com/mpataki/conflictscan/internal/host"
	"github.com/mpataki/conflictscan/internal/isolation"
	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
	"github.com/mpataki/conflictscan/internal/probe"
)

const (
	ReasonCanceled = "scan canceled"
	ReasonTimedOut = "scan exceeded maximum duration"
)

// Sessions is the durable session state the orchestrator drives.
type Sessions interface {
	Create(ctx context.Context, cloneID, userContext string) (int64, error)
	Get(ctx context.Context, id int64) (*models.ScanSession, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error)
	ListStale(ctx context.Context, maxAge time.Duration) ([]*models.ScanSession, error)
	ListQueued(ctx context.Context) ([]*models.ScanSession, error)
	UpdateStatus(ctx context.Context, id int64, status models.ScanStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id int64, step, message string, percent int, extra map[string]any) error
	UpdateResult(ctx context.Context, id int64, result *models.ScanResult) error
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Clones creates, reconfigures and destroys sandboxes.
type Clones interface {
	NewID(ctx context.Context) (string, error)
	CreateClone(ctx context.Context, id string, spec clone.Spec) (*clone.Sandbox, error)
	DestroyClone(ctx context.Context, id string)
	SetActiveExtensions(ctx context.Context, id string, slugs []string) error
	SetActiveTheme(ctx context.Context, id, slug string) error
	GetProbeURL(id, path string) string
	ReadNewLog(sb *clone.Sandbox, max int64) ([]byte, error)
}

type Oracle interface {
	Probe(ctx context.Context, url string, timeout time.Duration) probe.Result
}

// SiteSource reads the live site's configuration.
type SiteSource interface {
	SiteConfig(ctx context.Context) (host.SiteConfig, error)
}

type Scheduler interface {
	Schedule(runAt time.Time, sessionID int64) error
}

// ErrorFeed returns frontend errors recorded at or after a ms timestamp.
type ErrorFeed interface {
	Since(sinceMs int64) []models.JSError
}

type Deps struct {
	Sessions Sessions
	Clones   Clones
	Oracle   Oracle
	Site     SiteSource
	Catalog  *catalog.Catalog
	JSErrors ErrorFeed
	Logger   *log.Logger
}

type Config struct {
	ReferenceTheme string
	Scope          isolation.Scope
	ProbeTimeout   time.Duration
	ProbePath      string
	DebugLog       string
	MaxDuration    time.Duration
}

type Orchestrator struct {
	sessions  Sessions
	clones    Clones
	oracle    Oracle
	site      SiteSource
	catalog   *catalog.Catalog
	jsErrors  ErrorFeed
	logger    *log.Logger
	scheduler Scheduler
	cfg       Config
	now       func() time.Time
}

func New(d Deps, cfg Config) *Orchestrator {
	if d.Catalog == nil {
		d.Catalog = &catalog.Catalog{}
	}
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/"
	}
	if cfg.Scope == "" {
		cfg.Scope = isolation.ScopeAll
	}
	return &Orchestrator{
		sessions: d.Sessions,
		clones:   d.Clones,
		oracle:   d.Oracle,
		site:     d.Site,
		catalog:  d.Catalog,
		jsErrors: d.JSErrors,
		logger:   d.Logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetScheduler makes StartScan enqueue sessions instead of running them
// inline.
func (o *Orchestrator) SetScheduler(s Scheduler) {
	o.scheduler = s
}

// StartScan allocates a clone id, records a queued session and hands it to
// the scheduler. Without a scheduler, or when scheduling fails, the scan
// runs before StartScan returns.
func (o *Orchestrator) StartScan(ctx context.Context, userContext string) (int64, error) {
	cloneID, err := o.clones.NewID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate clone id: %w", err)
	}

	id, err := o.sessions.Create(ctx, cloneID, userContext)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	o.logger.Append(log.LogEvent{Event: log.EventScanQueued, SessionID: id, CloneID: cloneID})

	if o.scheduler != nil {
		if err := o.scheduler.Schedule(o.now(), id); err == nil {
			return id, nil
		}
	}
	if err := o.ProcessScan(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// ProcessScan runs a queued session to a terminal state. Scan failures are
// recorded on the session and do not produce an error; only a session that
// cannot be claimed or finalized does.
func (o *Orchestrator) ProcessScan(ctx context.Context, id int64) error {
	sess, err := o.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.sessions.UpdateStatus(ctx, id, models.ScanStatusRunning, nil); err != nil {
		return err
	}

	start := o.now()
	o.logger.Append(log.LogEvent{Event: log.EventScanStarted, SessionID: id, CloneID: sess.CloneID})

	scanCtx := ctx
	if o.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, o.cfg.MaxDuration)
		defer cancel()
	}

	result, runErr := o.runRecovered(scanCtx, sess)
	if runErr != nil {
		return o.failScan(ctx, sess, failureReason(scanCtx, runErr), start)
	}
	return o.completeScan(ctx, sess, result, start)
}

func (o *Orchestrator) completeScan(ctx context.Context, sess *models.ScanSession, result *models.ScanResult, start time.Time) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.sessions.UpdateResult(ctx, sess.ID, result); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	o.logger.Append(log.LogEvent{
		Event:      log.EventScanCompleted,
		SessionID:  sess.ID,
		CloneID:    sess.CloneID,
		Outcome:    string(result.Outcome),
		DurationMs: o.now().Sub(start).Milliseconds(),
	})
	return nil
}

func (o *Orchestrator) failScan(ctx context.Context, sess *models.ScanSession, reason string, start time.Time) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.sessions.UpdateStatus(ctx, sess.ID, models.ScanStatusFailed, &reason); err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	o.logger.Append(log.LogEvent{
		Event:      log.EventScanFailed,
		SessionID:  sess.ID,
		CloneID:    sess.CloneID,
		Error:      reason,
		DurationMs: o.now().Sub(start).Milliseconds(),
	})
	return nil
}

func failureReason(scanCtx context.Context, err error) string {
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return ReasonTimedOut
	}
	if scanCtx.Err() != nil || models.KindOf(err) == models.KindCanceled {
		return ReasonCanceled
	}
	return err.Error()
}

func (o *Orchestrator) progress(ctx context.Context, sess *models.ScanSession, step, message string, percent int, extra map[string]any) {
	if err := o.sessions.UpdateProgress(ctx, sess.ID, step, message, percent, extra); err != nil {
		o.logger.Append(log.LogEvent{Event: log.EventPhase, SessionID: sess.ID, Step: step, Error: err.Error()})
		return
	}
	o.logger.Append(log.LogEvent{Event: log.EventPhase, SessionID: sess.ID, Step: step, Data: extra})
}

// runRecovered turns a panic during the scan into a scan failure. The
// sandbox is destroyed by run's deferred cleanup before the panic lands here.
func (o *Orchestrator) runRecovered(ctx context.Context, sess *models.ScanSession) (result *models.ScanResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return o.run(ctx, sess)
}

func (o *Orchestrator) run(ctx context.Context, sess *models.ScanSession) (*models.ScanResult, error) {
	result := &models.ScanResult{
		UserContext: sess.UserContext,
		Steps:       []models.IsolationStep{},
	}

	o.progress(ctx, sess, "preflight", "Checking for outdated extensions...", 5, nil)
	result.OutdatedExtensions = o.catalog.Outdated()

	live, err := o.site.SiteConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read site configuration: %w", err)
	}
	exts := live.ActiveExtensions
	if exts == nil {
		exts = []string{}
	}
	result.Environment = models.Environment{
		ActiveExtensionsCount: len(exts),
		ActiveTheme:           live.Stylesheet,
		ReferenceTheme:        o.cfg.ReferenceTheme,
		Runtime:               buildinfo.Runtime(),
	}

	o.progress(ctx, sess, "cloning", "Creating test environment...", 10, nil)
	sb, err := o.clones.CreateClone(ctx, sess.CloneID, clone.Spec{
		Extensions: exts,
		Themes:     themesToCopy(live, o.cfg.ReferenceTheme),
	})
	if err != nil {
		return nil, err
	}
	defer o.clones.DestroyClone(context.WithoutCancel(ctx), sess.CloneID)

	o.progress(ctx, sess, "baseline", "Recording baseline...", 20, nil)
	logBaseline := diagnostics.Baseline(o.cfg.DebugLog)
	jsBaseline := o.now().UnixMilli()

	refInstalled := o.cfg.ReferenceTheme != "" && sb.HasTheme(o.cfg.ReferenceTheme)
	cleanTheme := live.Stylesheet
	if refInstalled {
		cleanTheme = o.cfg.ReferenceTheme
	}

	engine := isolation.NewEngine(sandboxConfig{o.clones, sess.CloneID}, o.health(sess.CloneID)).
		OnPhase(func(phase string) { o.phaseProgress(ctx, sess, phase) }).
		OnStep(func(phase string, step models.IsolationStep, total int) {
			o.stepProgress(ctx, sess, phase, step, total)
		})

	report, err := engine.Run(ctx, isolation.Input{
		Extensions:         exts,
		Theme:              live.Stylesheet,
		CleanTheme:         cleanTheme,
		ReferenceTheme:     o.cfg.ReferenceTheme,
		ReferenceInstalled: refInstalled,
		Scope:              o.cfg.Scope,
	})
	if err != nil {
		return nil, err
	}
	// A probe cut short by cancellation reads as a failure; its verdict is void.
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.KindCanceled, "scan", err)
	}

	o.fillOutcome(result, report, live)

	o.progress(ctx, sess, "analysis", "Analyzing results...", 90, nil)
	result.LogExcerpt = o.logExcerpt(sb, logBaseline)
	result.LogEntries = diagnostics.Parse(result.LogExcerpt, o.catalog)
	if o.jsErrors != nil {
		result.JSErrors = o.jsErrors.Since(jsBaseline)
	}
	result.Analysis = Analyze(result)

	o.progress(ctx, sess, "cleanup", "Cleaning up test environment...", 95, nil)
	return result, nil
}

func (o *Orchestrator) fillOutcome(result *models.ScanResult, report *isolation.Report, live host.SiteConfig) {
	passed := report.CleanSlatePassed
	result.CleanSlatePassed = &passed
	result.Steps = report.Steps
	result.IsolationMethod = report.Method
	result.ThemeCheck = report.ThemeCheck
	result.ThemeConflict = report.ThemeConflict

	switch {
	case !report.CleanSlatePassed:
		result.Outcome = models.OutcomeCoreOrServer
		result.Culprit = &models.Culprit{
			Type:          models.CulpritCoreOrServer,
			Name:          "Core or server environment",
			DiagnosisNote: "The site fails with every extension disabled: " + joinReasons(report.CleanSlate.Reasons),
		}
	case len(live.ActiveExtensions) == 0:
		result.Outcome = models.OutcomeNoExtensions
	case report.Culprit != "":
		result.Outcome = models.OutcomeCulpritFound
		ref := o.catalog.Extension(report.Culprit)
		c := &models.Culprit{
			Type:          models.CulpritPlugin,
			Slug:          ref.Slug,
			Name:          ref.Name,
			Version:       ref.VersionCurrent,
			LatestVersion: ref.VersionLatest,
			IsOutdated:    ref.IsOutdated,
			DiagnosisNote: fmt.Sprintf("%s fails on its own with every other extension disabled.", ref.Name),
		}
		if report.ThemeConflict {
			c.DiagnosisNote = fmt.Sprintf("%s fails together with the theme %s but works with %s.",
				ref.Name, o.catalog.ThemeName(live.Stylesheet), o.catalog.ThemeName(o.cfg.ReferenceTheme))
		}
		result.Culprit = c
	case len(report.MultiConflict) > 0:
		result.Outcome = models.OutcomeMultiConflict
		refs := make([]models.ExtensionRef, 0, len(report.MultiConflict))
		for _, slug := range report.MultiConflict {
			refs = append(refs, o.catalog.Extension(slug))
		}
		result.MultiConflict = &models.MultiConflict{
			Extensions: refs,
			Message:    fmt.Sprintf("The failure only appears when these %d extensions are active together.", len(refs)),
		}
	default:
		result.Outcome = models.OutcomeNoIssueFound
	}
}

func (o *Orchestrator) logExcerpt(sb *clone.Sandbox, baseline int64) string {
	text, err := diagnostics.ReadSince(o.cfg.DebugLog, baseline, diagnostics.MaxExcerptBytes)
	if err != nil {
		text = ""
	}
	if room := diagnostics.MaxExcerptBytes - int64(len(text)); room > 0 {
		if extra, err := o.clones.ReadNewLog(sb, room); err == nil && len(extra) > 0 {
			text += string(extra)
		}
	}
	return text
}

func (o *Orchestrator) phaseProgress(ctx context.Context, sess *models.ScanSession, phase string) {
	switch phase {
	case isolation.PhaseCleanSlate:
		o.progress(ctx, sess, phase, "Testing with all extensions disabled...", 30, nil)
	case isolation.PhaseBisection:
		o.progress(ctx, sess, phase, "Narrowing down by halves...", 40, nil)
	case isolation.PhaseSequential:
		o.progress(ctx, sess, phase, "Testing extensions one at a time...", 70, nil)
	case isolation.PhaseThemeCheck:
		o.progress(ctx, sess, phase, "Checking for a theme conflict...", 85, nil)
	}
}

func (o *Orchestrator) stepProgress(ctx context.Context, sess *models.ScanSession, phase string, step models.IsolationStep, total int) {
	switch phase {
	case isolation.PhaseBisection:
		o.progress(ctx, sess, phase,
			fmt.Sprintf("Bisection step %d: testing %d of %d extensions", step.StepNumber, len(step.ExtensionsTested), total),
			40+min(30, step.StepNumber*5),
			map[string]any{"step": step.StepNumber, "tested": step.ExtensionsTested, "passed": step.Passed})
	case isolation.PhaseSequential:
		pct := 70
		if total > 0 {
			pct += min(15, step.StepNumber*15/total)
		}
		o.progress(ctx, sess, phase,
			fmt.Sprintf("Adding %s (%d/%d)", o.catalog.ExtensionName(step.ExtensionAdded), step.StepNumber, total),
			pct,
			map[string]any{"current_extension": step.ExtensionAdded, "index": step.StepNumber, "total": total})
	}
}

func (o *Orchestrator) health(cloneID string) isolation.HealthFunc {
	url := o.clones.GetProbeURL(cloneID, o.cfg.ProbePath)
	return func(ctx context.Context) probe.Result {
		return o.oracle.Probe(ctx, url, o.cfg.ProbeTimeout)
	}
}

// sandboxConfig binds configuration writes to one clone.
type sandboxConfig struct {
	clones  Clones
	cloneID string
}

func (c sandboxConfig) SetActiveExtensions(ctx context.Context, slugs []string) error {
	return c.clones.SetActiveExtensions(ctx, c.cloneID, slugs)
}

func (c sandboxConfig) SetActiveTheme(ctx context.Context, slug string) error {
	return c.clones.SetActiveTheme(ctx, c.cloneID, slug)
}

// themesToCopy is the active theme, its parent when it is a child theme, and
// the reference theme.
func themesToCopy(live host.SiteConfig, reference string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range []string{live.Stylesheet, live.Template, reference} {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no reason reported"
	}
	s := reasons[0]
	for _, r := range reasons[1:] {
		s += "; " + r
	}
	return s
}

// Reap fails running sessions older than maxAge and destroys their
// sandboxes. It returns how many sessions it reaped.
func (o *Orchestrator) Reap(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := o.sessions.ListStale(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	reaped := 0
	for _, sess := range stale {
		reason := ReasonTimedOut
		if err := o.sessions.UpdateStatus(ctx, sess.ID, models.ScanStatusFailed, &reason); err != nil {
			if models.KindOf(err) == models.KindInvalidTransition {
				continue
			}
			return reaped, err
		}
		o.clones.DestroyClone(ctx, sess.CloneID)
		o.logger.Append(log.LogEvent{Event: log.EventScanReaped, SessionID: sess.ID, CloneID: sess.CloneID, Error: reason})
		reaped++
	}
	return reaped, nil
}

// Resume hands every queued session to the scheduler. Sessions queued by a
// process that stopped before a worker claimed them are picked up this way.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	if o.scheduler == nil {
		return 0, errors.New("resume needs a scheduler")
	}
	queued, err := o.sessions.ListQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued sessions: %w", err)
	}
	resumed := 0
	for _, sess := range queued {
		if err := o.scheduler.Schedule(o.now(), sess.ID); err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// Prune deletes finished sessions older than age.
func (o *Orchestrator) Prune(ctx context.Context, age time.Duration) (int64, error) {
	return o.sessions.DeleteOlderThan(ctx, age)
}

func (o *Orchestrator) Get(ctx context.Context, id int64) (*models.ScanSession, error) {
	return o.sessions.Get(ctx, id)
}

func (o *Orchestrator) ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error) {
	return o.sessions.ListRecent(ctx, limit)
}

// DestroySandbox removes the sandbox for cloneID out of band.
func (o *Orchestrator) DestroySandbox(ctx context.Context, cloneID string) error {
	if !clone.ValidID(cloneID) {
		return models.NewError(models.KindInvalidCloneID, "destroy", fmt.Errorf("invalid clone id %q", cloneID))
	}
	o.clones.DestroyClone(ctx, cloneID)
	return nil
}
