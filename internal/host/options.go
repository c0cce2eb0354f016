package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	OptionActiveExtensions = "active_extensions"
	OptionStylesheet       = "stylesheet"
	OptionTemplate         = "template"
)

// SiteConfig is the slice of configuration that decides which extension and
// theme code runs for a request.
type SiteConfig struct {
	CloneID          string   `json:"clone_id,omitempty"`
	ActiveExtensions []string `json:"active_extensions"`
	Stylesheet       string   `json:"stylesheet"`
	Template         string   `json:"template"`
}

// Options is a key/value option table named <prefix>options.
type Options struct {
	db    *sqlx.DB
	table string
}

func NewOptions(db *sqlx.DB, prefix string) (*Options, error) {
	table := prefix + "options"
	if !ValidIdent(table) {
		return nil, fmt.Errorf("invalid option table name %q", table)
	}
	return &Options{db: db, table: table}, nil
}

func (o *Options) Table() string {
	return o.table
}

// EnsureTable creates the option table if it does not exist.
func (o *Options) EnsureTable(ctx context.Context) error {
	_, err := o.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (option_name VARCHAR(191) PRIMARY KEY, option_value TEXT NOT NULL)`,
		Quote(o.table)))
	return err
}

// Get returns the option value and whether it exists.
func (o *Options) Get(ctx context.Context, name string) (string, bool, error) {
	var value string
	query := o.db.Rebind(fmt.Sprintf(`SELECT option_value FROM %s WHERE option_name = ?`, Quote(o.table)))
	err := o.db.GetContext(ctx, &value, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read option %s: %w", name, err)
	}
	return value, true, nil
}

func (o *Options) Set(ctx context.Context, name, value string) error {
	update := o.db.Rebind(fmt.Sprintf(`UPDATE %s SET option_value = ? WHERE option_name = ?`, Quote(o.table)))
	res, err := o.db.ExecContext(ctx, update, value, name)
	if err != nil {
		return fmt.Errorf("write option %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	insert := o.db.Rebind(fmt.Sprintf(`INSERT INTO %s (option_name, option_value) VALUES (?, ?)`, Quote(o.table)))
	if _, err := o.db.ExecContext(ctx, insert, name, value); err != nil {
		return fmt.Errorf("write option %s: %w", name, err)
	}
	return nil
}

func (o *Options) ActiveExtensions(ctx context.Context) ([]string, error) {
	raw, ok, err := o.Get(ctx, OptionActiveExtensions)
	if err != nil || !ok || raw == "" {
		return []string{}, err
	}
	var exts []string
	if err := json.Unmarshal([]byte(raw), &exts); err != nil {
		return nil, fmt.Errorf("decode %s: %w", OptionActiveExtensions, err)
	}
	return exts, nil
}

func (o *Options) SetActiveExtensions(ctx context.Context, exts []string) error {
	if exts == nil {
		exts = []string{}
	}
	data, err := json.Marshal(exts)
	if err != nil {
		return err
	}
	return o.Set(ctx, OptionActiveExtensions, string(data))
}

// Theme returns the child (stylesheet) and parent (template) theme slugs.
func (o *Options) Theme(ctx context.Context) (stylesheet, template string, err error) {
	stylesheet, _, err = o.Get(ctx, OptionStylesheet)
	if err != nil {
		return "", "", err
	}
	template, _, err = o.Get(ctx, OptionTemplate)
	if err != nil {
		return "", "", err
	}
	if template == "" {
		template = stylesheet
	}
	return stylesheet, template, nil
}

// SetTheme points both stylesheet and template at slug.
func (o *Options) SetTheme(ctx context.Context, slug string) error {
	if err := o.Set(ctx, OptionStylesheet, slug); err != nil {
		return err
	}
	return o.Set(ctx, OptionTemplate, slug)
}

func (o *Options) SiteConfig(ctx context.Context) (SiteConfig, error) {
	exts, err := o.ActiveExtensions(ctx)
	if err != nil {
		return SiteConfig{}, err
	}
	stylesheet, template, err := o.Theme(ctx)
	if err != nil {
		return SiteConfig{}, err
	}
	return SiteConfig{ActiveExtensions: exts, Stylesheet: stylesheet, Template: template}, nil
}
