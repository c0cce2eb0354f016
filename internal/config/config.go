package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir   string `yaml:"-"`
	DBPath    string `yaml:"-"`
	EventsLog string `yaml:"-"`

	Host  HostConfig  `yaml:"host"`
	Probe ProbeConfig `yaml:"probe"`
	Scan  ScanConfig  `yaml:"scan"`
	API   APIConfig   `yaml:"api"`
}

// HostConfig describes the application whose extensions are scanned.
type HostConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" | "postgres"
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
	SiteURL     string `yaml:"site_url"`
	ContentDir  string `yaml:"content_dir"`
	DebugLog    string `yaml:"debug_log"`
	Catalog     string `yaml:"catalog"`
}

type ProbeConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinBodyBytes   int    `yaml:"min_body_bytes"`
	InsecureTLS    bool   `yaml:"insecure_tls"`
	RulesScript    string `yaml:"rules_script"`
}

type ScanConfig struct {
	ReferenceTheme     string `yaml:"reference_theme"`
	SequentialScope    string `yaml:"sequential_scope"` // "all" | "ambiguous"
	MaxDurationMinutes int    `yaml:"max_duration_minutes"`
	RetentionDays      int    `yaml:"retention_days"`
	Workers            int    `yaml:"workers"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Token guards the scan endpoints when set. The beacon stays open.
	Token string `yaml:"token"`
}

const configFile = "config.yaml"

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("CONFLICTSCAN_DATA_DIR", filepath.Join(homeDir, ".conflictscan"))

	c := defaults(dataDir)
	if err := c.loadFile(filepath.Join(dataDir, configFile)); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.fillDerived()

	return c, nil
}

// Default returns a Config rooted at dataDir with no file or env overrides.
func Default(dataDir string) *Config {
	c := defaults(dataDir)
	c.fillDerived()
	return c
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "sessions.db"),
		EventsLog: filepath.Join(dataDir, "events.jsonl"),
		Host: HostConfig{
			Driver:      "sqlite",
			TablePrefix: "wp_",
			SiteURL:     "http://127.0.0.1:8080",
			ContentDir:  filepath.Join(dataDir, "content"),
		},
		Probe: ProbeConfig{
			TimeoutSeconds: 10,
			MinBodyBytes:   100,
			InsecureTLS:    true,
		},
		Scan: ScanConfig{
			ReferenceTheme:     "twentytwentyfour",
			SequentialScope:    "all",
			MaxDurationMinutes: 30,
			RetentionDays:      7,
			Workers:            2,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8787",
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host.Driver = getEnv("CONFLICTSCAN_HOST_DRIVER", c.Host.Driver)
	c.Host.DSN = getEnv("CONFLICTSCAN_HOST_DSN", c.Host.DSN)
	c.Host.TablePrefix = getEnv("CONFLICTSCAN_TABLE_PREFIX", c.Host.TablePrefix)
	c.Host.SiteURL = getEnv("CONFLICTSCAN_SITE_URL", c.Host.SiteURL)
	c.Host.ContentDir = getEnv("CONFLICTSCAN_CONTENT_DIR", c.Host.ContentDir)
	c.API.ListenAddr = getEnv("CONFLICTSCAN_LISTEN_ADDR", c.API.ListenAddr)
	c.API.Token = getEnv("CONFLICTSCAN_API_TOKEN", c.API.Token)
	c.Probe.TimeoutSeconds = getEnvInt("CONFLICTSCAN_PROBE_TIMEOUT", c.Probe.TimeoutSeconds)
}

func (c *Config) fillDerived() {
	if c.Host.DebugLog == "" {
		c.Host.DebugLog = filepath.Join(c.Host.ContentDir, "debug.log")
	}
	if c.Host.Catalog == "" {
		c.Host.Catalog = filepath.Join(c.Host.ContentDir, "catalog.yaml")
	}
	if c.Host.DSN == "" && c.Host.Driver == "sqlite" {
		c.Host.DSN = filepath.Join(c.Host.ContentDir, "site.db")
	}
}

func (c *Config) Validate() error {
	switch c.Host.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported host driver %q", c.Host.Driver)
	}
	switch c.Scan.SequentialScope {
	case "all", "ambiguous":
	default:
		return fmt.Errorf("sequential_scope must be \"all\" or \"ambiguous\", got %q", c.Scan.SequentialScope)
	}
	if c.Probe.TimeoutSeconds <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan workers must be positive")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

func (c *Config) MaxScanDuration() time.Duration {
	return time.Duration(c.Scan.MaxDurationMinutes) * time.Minute
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
