// Package testutil provides fixtures for conflictscan tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/mpataki/conflictscan/internal/host"
)

// TempContent creates a temporary content directory with the given files.
// Files is a map of relative path -> content.
func TempContent(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// SiteFiles returns a content tree with one file per extension and theme.
func SiteFiles(extensions, themes []string) map[string]string {
	files := map[string]string{}
	for _, slug := range extensions {
		files[filepath.Join("extensions", slug, slug+".php")] = "<?php // " + slug
	}
	for _, slug := range themes {
		files[filepath.Join("themes", slug, "style.css")] = "/* Theme Name: " + slug + " */"
	}
	return files
}

// Site is a host database seeded with a live configuration.
type Site struct {
	DB      *sqlx.DB
	Prefix  string
	Options *host.Options
}

// NewSite opens a sqlite host database in dir with an options table, one
// content table holding a row, and one small config table holding a row.
func NewSite(t *testing.T, dir, prefix string, active []string, theme string) *Site {
	t.Helper()
	ctx := context.Background()

	db, err := host.Open(host.DriverSQLite, filepath.Join(dir, "site.db"))
	if err != nil {
		t.Fatalf("open site db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	opts, err := host.NewOptions(db, prefix)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if err := opts.EnsureTable(ctx); err != nil {
		t.Fatalf("create options table: %v", err)
	}

	stmts := []string{
		`CREATE TABLE ` + prefix + `posts (id INTEGER PRIMARY KEY, title TEXT NOT NULL)`,
		`INSERT INTO ` + prefix + `posts (title) VALUES ('hello world')`,
		`CREATE TABLE ` + prefix + `usermeta (id INTEGER PRIMARY KEY, meta_key TEXT, meta_value TEXT)`,
		`INSERT INTO ` + prefix + `usermeta (meta_key, meta_value) VALUES ('role', 'admin')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed site db: %v", err)
		}
	}

	if err := opts.SetActiveExtensions(ctx, active); err != nil {
		t.Fatalf("seed active extensions: %v", err)
	}
	if err := opts.SetTheme(ctx, theme); err != nil {
		t.Fatalf("seed theme: %v", err)
	}

	return &Site{DB: db, Prefix: prefix, Options: opts}
}
