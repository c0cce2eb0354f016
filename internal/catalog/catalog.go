// Package catalog reads installed extension and theme metadata from a YAML
// file maintained by the host's package manager.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/conflictscan/internal/models"
)

type Entry struct {
	Slug          string `yaml:"slug"`
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	LatestVersion string `yaml:"latest_version"`
	Author        string `yaml:"author"`
	AuthorURI     string `yaml:"author_uri"`
}

type Catalog struct {
	Extensions []Entry `yaml:"extensions"`
	Themes     []Entry `yaml:"themes"`
}

// Parse reads a catalog file. A missing file yields an empty catalog so
// scans still run with slugs as names.
func Parse(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	seen := map[string]bool{}
	for _, e := range c.Extensions {
		if e.Slug == "" {
			return fmt.Errorf("catalog extension must have a slug")
		}
		if seen[e.Slug] {
			return fmt.Errorf("duplicate catalog extension %q", e.Slug)
		}
		seen[e.Slug] = true
	}
	for _, e := range c.Themes {
		if e.Slug == "" {
			return fmt.Errorf("catalog theme must have a slug")
		}
	}
	return nil
}

func find(entries []Entry, slug string) (Entry, bool) {
	for _, e := range entries {
		if e.Slug == slug {
			return e, true
		}
	}
	return Entry{}, false
}

// Extension returns the reporting snapshot for slug. Unknown slugs get the
// slug as their name.
func (c *Catalog) Extension(slug string) models.ExtensionRef {
	e, ok := find(c.Extensions, slug)
	if !ok {
		return models.ExtensionRef{Slug: slug, Name: slug}
	}
	return e.ref()
}

func (c *Catalog) ExtensionName(slug string) string {
	return c.Extension(slug).Name
}

func (c *Catalog) ThemeName(slug string) string {
	if e, ok := find(c.Themes, slug); ok && e.Name != "" {
		return e.Name
	}
	return slug
}

// Outdated lists every cataloged extension with a newer version available.
func (c *Catalog) Outdated() []models.ExtensionRef {
	out := []models.ExtensionRef{}
	for _, e := range c.Extensions {
		if ref := e.ref(); ref.IsOutdated {
			out = append(out, ref)
		}
	}
	return out
}

func (e Entry) ref() models.ExtensionRef {
	name := e.Name
	if name == "" {
		name = e.Slug
	}
	ref := models.ExtensionRef{
		Slug:           e.Slug,
		Name:           name,
		VersionCurrent: e.Version,
		Author:         e.Author,
		AuthorURI:      e.AuthorURI,
	}
	if e.LatestVersion != "" && e.LatestVersion != e.Version {
		ref.VersionLatest = e.LatestVersion
		ref.IsOutdated = true
		ref.VersionsBehind = VersionsBehind(e.Version, e.LatestVersion)
	}
	return ref
}

// VersionsBehind gives a coarse distance between two dotted versions:
// "N+ major", "N minor" or "patch".
func VersionsBehind(current, latest string) string {
	cur := strings.Split(current, ".")
	lat := strings.Split(latest, ".")

	majorDiff := part(lat, 0) - part(cur, 0)
	minorDiff := part(lat, 1) - part(cur, 1)

	if majorDiff > 0 {
		return fmt.Sprintf("%d+ major", majorDiff)
	}
	// A newer major than "latest" is not behind on minors either.
	if majorDiff == 0 && minorDiff > 0 {
		return fmt.Sprintf("%d minor", minorDiff)
	}
	return "patch"
}

// part parses the leading digits of parts[i] like a lenient integer cast.
func part(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	s := parts[i]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
