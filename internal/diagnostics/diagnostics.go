// Package diagnostics reads what the host logged while a scan ran and
// attributes it to extensions and themes.
package diagnostics

import (
	"errors"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/mpataki/conflictscan/internal/models"
)

const (
	MaxExcerptBytes = 10000
	maxEntries      = 50
	maxLineLen      = 500
)

var (
	entryPattern   = regexp.MustCompile(`^\[([^\]]*)\].*?(?i:(Fatal error|Parse error|Error|Warning|Notice|Deprecated))`)
	pluginPath     = regexp.MustCompile(`/(?:extensions|plugins)/([^/\s]+)/`)
	themePath      = regexp.MustCompile(`/themes/([^/\s]+)/`)
	corePathMarker = regexp.MustCompile(`/(?:wp-includes|wp-admin|core)/`)
)

// Namer resolves a display name for an extension or theme slug.
type Namer interface {
	ExtensionName(slug string) string
	ThemeName(slug string) string
}

// Baseline returns the current size of the log, or 0 when it is missing.
func Baseline(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadSince returns up to max bytes written to path after offset. A log
// that shrank (rotated) is read from the start.
func ReadSince(path string, offset int64, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Parse extracts timestamped error lines, deduplicated, in log order.
func Parse(text string, names Namer) []models.LogEntry {
	entries := []models.LogEntry{}
	seen := map[string]bool{}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		m := entryPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if len(line) > maxLineLen {
			line = line[:maxLineLen]
		}
		if seen[line] {
			continue
		}
		seen[line] = true

		entries = append(entries, models.LogEntry{
			Timestamp:   m[1],
			Severity:    Classify(line),
			Line:        line,
			Attribution: Attribute(line, names),
		})
		if len(entries) == maxEntries {
			break
		}
	}
	return entries
}

// Classify maps a log line to fatal, parse, error, warning, notice or
// deprecated.
func Classify(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "fatal error"):
		return "fatal"
	case strings.Contains(l, "parse error"):
		return "parse"
	case strings.Contains(l, "warning"):
		return "warning"
	case strings.Contains(l, "notice"):
		return "notice"
	case strings.Contains(l, "deprecated"):
		return "deprecated"
	case strings.Contains(l, "error"):
		return "error"
	}
	return "unknown"
}

// Attribute finds the extension or theme a path inside s belongs to.
func Attribute(s string, names Namer) models.Attribution {
	if m := pluginPath.FindStringSubmatch(s); m != nil {
		return models.Attribution{Type: models.SourcePlugin, Slug: m[1], Name: extensionName(names, m[1])}
	}
	if m := themePath.FindStringSubmatch(s); m != nil {
		name := m[1]
		if names != nil {
			name = names.ThemeName(m[1])
		}
		return models.Attribution{Type: models.SourceTheme, Slug: m[1], Name: name}
	}
	if corePathMarker.MatchString(s) {
		return models.Attribution{Type: models.SourceCore, Name: "Core"}
	}
	return models.Attribution{Type: models.SourceUnknown, Name: "Unknown"}
}

func extensionName(names Namer, slug string) string {
	if names != nil {
		if n := names.ExtensionName(slug); n != "" && n != slug {
			return n
		}
	}
	return titleize(slug)
}

// titleize turns "contact-form_7" into "Contact Form 7".
func titleize(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// CountFor returns how many entries are attributed to the extension slug.
func CountFor(entries []models.LogEntry, slug string) int {
	n := 0
	for _, e := range entries {
		if e.Attribution.Type == models.SourcePlugin && e.Attribution.Slug == slug {
			n++
		}
	}
	return n
}
