package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mpataki/conflictscan/internal/diagnostics"
	"github.com/mpataki/conflictscan/internal/models"
)

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Analyze turns a finished result into a diagnosis and recommendation.
// Evidence from the debug log or frontend errors raises confidence.
func Analyze(r *models.ScanResult) *models.Analysis {
	switch r.Outcome {
	case models.OutcomeNoExtensions:
		return &models.Analysis{
			Diagnosis:      "No extensions are currently active.",
			Recommendation: "The issue is likely caused by the theme or the core application.",
			Confidence:     ConfidenceHigh,
		}

	case models.OutcomeCoreOrServer:
		diag := "The issue is not caused by any extension."
		if n := countType(r, models.SourceCore); n > 0 {
			diag += fmt.Sprintf(" The debug log shows %d error(s) in core files.", n)
		}
		return &models.Analysis{
			Diagnosis:      diag,
			Recommendation: "Check the server configuration, runtime settings and memory limits, or contact the hosting provider.",
			Confidence:     ConfidenceHigh,
		}

	case models.OutcomeCulpritFound:
		return analyzeCulprit(r)

	case models.OutcomeMultiConflict:
		names := make([]string, 0, len(r.MultiConflict.Extensions))
		for _, e := range r.MultiConflict.Extensions {
			names = append(names, e.Name)
		}
		return &models.Analysis{
			Diagnosis: fmt.Sprintf("The failure only appears when %s are active together.", strings.Join(names, ", ")),
			Recommendation: fmt.Sprintf("Deactivate %s, the last one added, and check every extension in the group for updates.",
				names[len(names)-1]),
			Confidence: ConfidenceMedium,
		}
	}

	a := &models.Analysis{
		Diagnosis:      "No extension configuration reproduced the failure in the sandbox.",
		Recommendation: "The issue may depend on content, caching or the logged-in user. Review the debug log and frontend errors manually.",
		Confidence:     ConfidenceLow,
	}
	if s := topSource(r); s != nil {
		a.Diagnosis += fmt.Sprintf(" The most frequent error source was %s.", s.Name)
	}
	return a
}

func analyzeCulprit(r *models.ScanResult) *models.Analysis {
	c := r.Culprit
	a := &models.Analysis{Confidence: ConfidenceHigh}

	if r.ThemeConflict {
		a.Diagnosis = fmt.Sprintf("%s conflicts with the active theme %s.", c.Name, r.Environment.ActiveTheme)
		a.Recommendation = fmt.Sprintf("Switch themes or report the incompatibility between %s and %s to their authors.",
			c.Name, r.Environment.ActiveTheme)
	} else {
		a.Diagnosis = fmt.Sprintf("%s breaks the site when active.", c.Name)
		a.Recommendation = fmt.Sprintf("Deactivate %s and contact its author with the log excerpt.", c.Name)
	}

	if c.IsOutdated {
		a.Diagnosis += fmt.Sprintf(" Version %s is installed and %s is available.", c.Version, c.LatestVersion)
		a.Recommendation = fmt.Sprintf("Update %s to %s and run the scan again.", c.Name, c.LatestVersion)
	}

	evidence := diagnostics.CountFor(r.LogEntries, c.Slug)
	for _, e := range r.JSErrors {
		if e.Attribution.Slug == c.Slug {
			evidence++
		}
	}
	if evidence > 0 {
		a.Diagnosis += fmt.Sprintf(" %d logged error(s) point to it.", evidence)
	} else if r.ThemeCheck == nil || !r.ThemeCheck.Tested {
		a.Confidence = ConfidenceMedium
	}
	return a
}

func countType(r *models.ScanResult, typ string) int {
	n := 0
	for _, e := range r.LogEntries {
		if e.Attribution.Type == typ {
			n++
		}
	}
	return n
}

// topSource returns the extension or theme most log entries and frontend
// errors are attributed to.
func topSource(r *models.ScanResult) *models.Attribution {
	counts := map[string]int{}
	byKey := map[string]models.Attribution{}
	var order []string

	add := func(a models.Attribution) {
		if a.Slug == "" {
			return
		}
		key := a.Type + "/" + a.Slug
		if _, ok := byKey[key]; !ok {
			byKey[key] = a
			order = append(order, key)
		}
		counts[key]++
	}
	for _, e := range r.LogEntries {
		add(e.Attribution)
	}
	for _, e := range r.JSErrors {
		add(e.Attribution)
	}

	best := ""
	for _, k := range order {
		if best == "" || counts[k] > counts[best] {
			best = k
		}
	}
	if best == "" {
		return nil
	}
	a := byKey[best]
	return &a
}
