package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/tmp/cs")

	if cfg.DBPath != filepath.Join("/tmp/cs", "sessions.db") {
		t.Errorf("DBPath: got %q", cfg.DBPath)
	}
	if cfg.Probe.MinBodyBytes != 100 {
		t.Errorf("MinBodyBytes: got %d, want 100", cfg.Probe.MinBodyBytes)
	}
	if cfg.Scan.ReferenceTheme != "twentytwentyfour" {
		t.Errorf("ReferenceTheme: got %q", cfg.Scan.ReferenceTheme)
	}
	if cfg.Host.DebugLog != filepath.Join(cfg.Host.ContentDir, "debug.log") {
		t.Errorf("DebugLog: got %q", cfg.Host.DebugLog)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestNewReadsYAMLOverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	overlay := `host:
  table_prefix: site_
  site_url: http://example.test
probe:
  timeout_seconds: 4
scan:
  sequential_scope: ambiguous
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(overlay), 0644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFLICTSCAN_DATA_DIR", dir)
	t.Setenv("CONFLICTSCAN_SITE_URL", "http://env.test")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Host.TablePrefix != "site_" {
		t.Errorf("TablePrefix: got %q, want site_", cfg.Host.TablePrefix)
	}
	if cfg.Host.SiteURL != "http://env.test" {
		t.Errorf("env should win over file, got %q", cfg.Host.SiteURL)
	}
	if cfg.Probe.TimeoutSeconds != 4 {
		t.Errorf("TimeoutSeconds: got %d, want 4", cfg.Probe.TimeoutSeconds)
	}
	if cfg.Scan.SequentialScope != "ambiguous" {
		t.Errorf("SequentialScope: got %q", cfg.Scan.SequentialScope)
	}
	if cfg.Scan.Workers != 2 {
		t.Errorf("unset fields keep defaults, Workers got %d", cfg.Scan.Workers)
	}
}

func TestNewRejectsMalformedOverlay(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("host: [unclosed"), 0644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFLICTSCAN_DATA_DIR", dir)

	if _, err := New(); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"postgres driver", func(c *Config) { c.Host.Driver = "postgres" }, false},
		{"unknown driver", func(c *Config) { c.Host.Driver = "mysql" }, true},
		{"bad scope", func(c *Config) { c.Scan.SequentialScope = "subset" }, true},
		{"zero timeout", func(c *Config) { c.Probe.TimeoutSeconds = 0 }, true},
		{"zero workers", func(c *Config) { c.Scan.Workers = 0 }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
