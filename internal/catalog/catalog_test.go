package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionsBehind(t *testing.T) {
	tests := []struct {
		current, latest, want string
	}{
		{"1.2.3", "3.0.0", "2+ major"},
		{"1.2.3", "1.5.0", "3 minor"},
		{"1.2.3", "1.2.9", "patch"},
		{"2.0", "1.9", "patch"},
		{"2.3", "2.1", "patch"},
		{"5.8-beta", "6.1", "1+ major"},
		{"", "1.0", "1+ major"},
	}
	for _, tc := range tests {
		if got := VersionsBehind(tc.current, tc.latest); got != tc.want {
			t.Errorf("VersionsBehind(%q, %q) = %q, want %q", tc.current, tc.latest, got, tc.want)
		}
	}
}

func TestParseAndLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `extensions:
  - slug: forms
    name: Contact Forms
    version: 5.8.1
    latest_version: 5.9.0
  - slug: cache
    name: Page Cache
    version: 2.0.0
    latest_version: 2.0.0
themes:
  - slug: storefront
    name: Storefront
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	forms := c.Extension("forms")
	if forms.Name != "Contact Forms" || !forms.IsOutdated || forms.VersionsBehind != "1 minor" {
		t.Errorf("forms: got %+v", forms)
	}
	if c.Extension("cache").IsOutdated {
		t.Error("cache is current")
	}
	if unknown := c.Extension("ghost"); unknown.Name != "ghost" {
		t.Errorf("unknown extension name: got %q", unknown.Name)
	}
	if got := c.ThemeName("storefront"); got != "Storefront" {
		t.Errorf("ThemeName: got %q", got)
	}

	outdated := c.Outdated()
	if len(outdated) != 1 || outdated[0].Slug != "forms" {
		t.Errorf("Outdated: got %+v", outdated)
	}
}

func TestParseMissingFile(t *testing.T) {
	c, err := Parse(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(c.Outdated()) != 0 {
		t.Error("empty catalog has nothing outdated")
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := "extensions:\n  - slug: a\n  - slug: a\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := Parse(path); err == nil {
		t.Fatal("expected duplicate slug error")
	}
}
