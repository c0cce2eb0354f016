// Package isolation finds which active extensions break a sandbox by
// flipping its configuration and probing it.
package isolation

import (
	"context"
	"fmt"

	"github.com/mpataki/conflictscan/internal/models"
	"github.com/mpataki/conflictscan/internal/probe"
)

const (
	PhaseCleanSlate = "clean_slate"
	PhaseBisection  = "bisection"
	PhaseSequential = "sequential"
	PhaseThemeCheck = "theme_check"
)

type Scope string

const (
	// ScopeAll replays every extension in the sequential phase.
	ScopeAll Scope = "all"
	// ScopeAmbiguous replays only the candidates left when bisection stopped.
	ScopeAmbiguous Scope = "ambiguous"
)

// Configurator mutates the sandbox's effective configuration.
type Configurator interface {
	SetActiveExtensions(ctx context.Context, slugs []string) error
	SetActiveTheme(ctx context.Context, slug string) error
}

// HealthCheck probes the sandbox in its current configuration.
type HealthCheck interface {
	Check(ctx context.Context) probe.Result
}

type HealthFunc func(ctx context.Context) probe.Result

func (f HealthFunc) Check(ctx context.Context) probe.Result {
	return f(ctx)
}

// StepFunc observes every recorded step. total is the size of the list the
// phase works through.
type StepFunc func(phase string, step models.IsolationStep, total int)

type Input struct {
	Extensions []string
	// Theme is the site's active theme, restored before isolating.
	Theme string
	// CleanTheme is used for the clean slate probe.
	CleanTheme string
	// ReferenceTheme is swapped in for the theme check when installed.
	ReferenceTheme     string
	ReferenceInstalled bool
	Scope              Scope
}

type Report struct {
	CleanSlate       probe.Result
	CleanSlatePassed bool
	Culprit          string
	MultiConflict    []string
	Method           string
	Steps            []models.IsolationStep
	ThemeCheck       *models.ThemeCheck
	ThemeConflict    bool
}

type Engine struct {
	cfg     Configurator
	health  HealthCheck
	onStep  StepFunc
	onPhase func(phase string)
}

func NewEngine(cfg Configurator, health HealthCheck) *Engine {
	return &Engine{cfg: cfg, health: health}
}

func (e *Engine) OnStep(fn StepFunc) *Engine {
	e.onStep = fn
	return e
}

func (e *Engine) OnPhase(fn func(phase string)) *Engine {
	e.onPhase = fn
	return e
}

func (e *Engine) phase(name string) {
	if e.onPhase != nil {
		e.onPhase(name)
	}
}

func (e *Engine) record(r *Report, phase string, step models.IsolationStep, total int) {
	r.Steps = append(r.Steps, step)
	if e.onStep != nil {
		e.onStep(phase, step, total)
	}
}

// test applies exts and probes. Cancellation is only honored here, between
// probes.
func (e *Engine) test(ctx context.Context, exts []string) (probe.Result, error) {
	if err := ctx.Err(); err != nil {
		return probe.Result{}, models.NewError(models.KindCanceled, "isolate", fmt.Errorf("scan canceled"))
	}
	if err := e.cfg.SetActiveExtensions(ctx, exts); err != nil {
		return probe.Result{}, fmt.Errorf("set active extensions: %w", err)
	}
	return e.health.Check(ctx), nil
}

// Run executes the clean slate probe and, when it passes, the bisection,
// sequential and theme phases.
func (e *Engine) Run(ctx context.Context, in Input) (*Report, error) {
	r := &Report{Steps: []models.IsolationStep{}}

	e.phase(PhaseCleanSlate)
	clean, err := e.CleanSlate(ctx, in.CleanTheme)
	if err != nil {
		return nil, err
	}
	r.CleanSlate = clean
	r.CleanSlatePassed = clean.Passed
	if !clean.Passed || len(in.Extensions) == 0 {
		return r, nil
	}

	if err := e.cfg.SetActiveTheme(ctx, in.Theme); err != nil {
		return nil, fmt.Errorf("restore theme: %w", err)
	}

	e.phase(PhaseBisection)
	culprit, ambiguous, err := e.bisect(ctx, r, in.Extensions)
	if err != nil {
		return nil, err
	}
	r.Method = models.MethodBisection
	r.Culprit = culprit

	if culprit == "" {
		scope := in.Extensions
		if in.Scope == ScopeAmbiguous && len(ambiguous) > 0 {
			scope = ambiguous
		}
		e.phase(PhaseSequential)
		if err := e.cfg.SetActiveTheme(ctx, in.Theme); err != nil {
			return nil, fmt.Errorf("restore theme: %w", err)
		}
		single, multi, err := e.sequential(ctx, r, scope)
		if err != nil {
			return nil, err
		}
		r.Method = models.MethodSequentialFallback
		r.Culprit = single
		r.MultiConflict = multi
	}

	if r.Culprit != "" {
		e.phase(PhaseThemeCheck)
		if err := e.themeCheck(ctx, r, in); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// CleanSlate probes with no extensions and the given theme.
func (e *Engine) CleanSlate(ctx context.Context, theme string) (probe.Result, error) {
	if theme != "" {
		if err := e.cfg.SetActiveTheme(ctx, theme); err != nil {
			return probe.Result{}, fmt.Errorf("set clean slate theme: %w", err)
		}
	}
	return e.test(ctx, []string{})
}

// bisect halves the candidate set until one extension fails alone or both
// halves pass. It returns the culprit, or the candidates left when it
// stopped.
func (e *Engine) bisect(ctx context.Context, r *Report, exts []string) (culprit string, ambiguous []string, err error) {
	cand := append([]string(nil), exts...)
	total := len(exts)
	step := 0

	if len(cand) == 1 {
		step++
		res, err := e.test(ctx, cand)
		if err != nil {
			return "", nil, err
		}
		e.record(r, PhaseBisection, models.IsolationStep{
			Method:           models.MethodBisection,
			StepNumber:       step,
			ExtensionsTested: copyOf(cand),
			Passed:           res.Passed,
			Reasons:          res.Reasons,
		}, total)
		if res.Passed {
			return "", cand, nil
		}
		return cand[0], nil, nil
	}

	for len(cand) > 1 {
		step++
		mid := len(cand) / 2
		first, second := copyOf(cand[:mid]), copyOf(cand[mid:])

		res, err := e.test(ctx, first)
		if err != nil {
			return "", nil, err
		}
		st := models.IsolationStep{
			Method:           models.MethodBisection,
			StepNumber:       step,
			ExtensionsTested: first,
			Passed:           res.Passed,
			Reasons:          res.Reasons,
		}
		if !res.Passed {
			e.record(r, PhaseBisection, st, total)
			cand = first
			continue
		}

		res2, err := e.test(ctx, second)
		if err != nil {
			return "", nil, err
		}
		st.Complement = &models.StepProbe{
			ExtensionsTested: second,
			Passed:           res2.Passed,
			Reasons:          res2.Reasons,
		}
		e.record(r, PhaseBisection, st, total)
		if !res2.Passed {
			cand = second
			continue
		}
		return "", cand, nil
	}

	// The lone candidate has failed once on its own. It is only blamed if it
	// fails again; the verdict rides on the last round as Confirm.
	res, err := e.test(ctx, cand)
	if err != nil {
		return "", nil, err
	}
	r.Steps[len(r.Steps)-1].Confirm = &models.StepProbe{
		ExtensionsTested: copyOf(cand),
		Passed:           res.Passed,
		Reasons:          res.Reasons,
	}
	if res.Passed {
		return "", nil, nil
	}
	return cand[0], nil, nil
}

// sequential activates exts cumulatively in order and stops at the first
// failing probe.
func (e *Engine) sequential(ctx context.Context, r *Report, exts []string) (single string, multi []string, err error) {
	active := []string{}
	for i, ext := range exts {
		active = append(active, ext)
		res, err := e.test(ctx, copyOf(active))
		if err != nil {
			return "", nil, err
		}
		e.record(r, PhaseSequential, models.IsolationStep{
			Method:         models.MethodSequential,
			StepNumber:     i + 1,
			ExtensionAdded: ext,
			TotalActive:    len(active),
			Passed:         res.Passed,
			Reasons:        res.Reasons,
		}, len(exts))
		if res.Passed {
			continue
		}
		if len(active) == 1 {
			return ext, nil, nil
		}
		return "", copyOf(active), nil
	}
	return "", nil, nil
}

func (e *Engine) themeCheck(ctx context.Context, r *Report, in Input) error {
	tc := &models.ThemeCheck{ReferenceTheme: in.ReferenceTheme}
	r.ThemeCheck = tc

	switch {
	case in.ReferenceTheme == "" || !in.ReferenceInstalled:
		tc.Note = fmt.Sprintf("reference theme %q is not installed; theme check skipped", in.ReferenceTheme)
		return nil
	case in.ReferenceTheme == in.Theme:
		tc.Note = "active theme is the reference theme; theme check skipped"
		return nil
	}

	if err := ctx.Err(); err != nil {
		return models.NewError(models.KindCanceled, "isolate", fmt.Errorf("scan canceled"))
	}
	if err := e.cfg.SetActiveTheme(ctx, in.ReferenceTheme); err != nil {
		return fmt.Errorf("set reference theme: %w", err)
	}
	res, err := e.test(ctx, []string{r.Culprit})
	if err != nil {
		return err
	}
	tc.Tested = true
	tc.Passed = res.Passed
	r.ThemeConflict = res.Passed
	return nil
}

func copyOf(s []string) []string {
	return append([]string{}, s...)
}
