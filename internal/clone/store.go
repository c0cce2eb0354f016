// Package clone materializes and tears down per-scan sandboxes: a namespaced
// copy of the host's tables plus copies of the extension and theme trees
// under test.
package clone

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mpataki/conflictscan/internal/host"
	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
)

const (
	// QueryParam carries the clone id on probe requests.
	QueryParam = "isolate_clone"

	idPrefix      = "sb_"
	maxIDAttempts = 5
	clonesDir     = "isolation-clones"
	logsDir       = "isolation-logs"
)

var (
	idPattern      = regexp.MustCompile(`^sb_[a-f0-9]{6}$`)
	cloneTablePart = regexp.MustCompile(`^sb_[a-f0-9]{6}_`)
)

// Tables that hold user content. Only their structure is cloned.
var schemaOnlyTables = map[string]bool{
	"posts":                   true,
	"postmeta":                true,
	"comments":                true,
	"commentmeta":             true,
	"wc_orders":               true,
	"wc_order_items":          true,
	"wc_order_product_lookup": true,
	"actionscheduler_actions": true,
	"actionscheduler_logs":    true,
	"yoast_seo_links":         true,
	"woocommerce_sessions":    true,
}

// Spec selects which file trees are copied into the sandbox.
type Spec struct {
	Extensions []string
	Themes     []string
}

type Sandbox struct {
	CloneID       string
	Namespace     string
	Root          string
	ExtensionsDir string
	ThemesDir     string
	LogPath       string
	LogBaseline   int64
	// InstalledThemes lists the theme trees that were actually copied.
	InstalledThemes []string
}

func (sb *Sandbox) HasTheme(slug string) bool {
	for _, t := range sb.InstalledThemes {
		if t == slug {
			return true
		}
	}
	return false
}

type Options struct {
	TablePrefix string
	ContentDir  string
	SiteURL     string
	Logger      *log.Logger
}

type Store struct {
	db         *sqlx.DB
	dialect    host.Dialect
	prefix     string
	contentDir string
	siteURL    *url.URL
	logger     *log.Logger
}

func New(db *sqlx.DB, opts Options) (*Store, error) {
	if !host.ValidIdent(opts.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", opts.TablePrefix)
	}
	u, err := url.Parse(opts.SiteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid site url %q", opts.SiteURL)
	}
	return &Store{
		db:         db,
		dialect:    host.DialectFor(db),
		prefix:     opts.TablePrefix,
		contentDir: opts.ContentDir,
		siteURL:    u,
		logger:     opts.Logger,
	}, nil
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Namespace is the table prefix that isolates a clone's data.
func Namespace(id string) string {
	return id + "_"
}

// NewID picks an unused clone id, retrying a bounded number of times when
// the short hash collides with a leftover sandbox.
func (s *Store) NewID(ctx context.Context) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		sum := md5.Sum([]byte(uuid.NewString()))
		id := idPrefix + hex.EncodeToString(sum[:])[:6]
		taken, err := s.exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free clone id after %d attempts", maxIDAttempts)
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	if _, err := os.Stat(s.root(id)); err == nil {
		return true, nil
	}
	tables, err := s.namespaceTables(ctx, id)
	if err != nil {
		return false, fmt.Errorf("list clone tables: %w", err)
	}
	return len(tables) > 0, nil
}

func (s *Store) root(id string) string {
	return filepath.Join(s.contentDir, clonesDir, id)
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.contentDir, logsDir, "clone-"+id+".log")
}

// ExtensionsDir returns where a clone's copied extension trees live.
func (s *Store) ExtensionsDir(id string) string {
	return filepath.Join(s.root(id), "extensions")
}

func (s *Store) ThemesDir(id string) string {
	return filepath.Join(s.root(id), "themes")
}

// CreateClone builds the sandbox for id. Leftovers from an earlier attempt
// with the same id are replaced. On failure everything created so far is
// removed before the error is returned.
func (s *Store) CreateClone(ctx context.Context, id string, spec Spec) (*Sandbox, error) {
	if !ValidID(id) {
		return nil, models.NewError(models.KindInvalidCloneID, "create clone", fmt.Errorf("invalid clone id %q", id))
	}

	sb, err := s.create(ctx, id, spec)
	if err != nil {
		s.DestroyClone(context.WithoutCancel(ctx), id)
		return nil, err
	}

	s.logger.Append(log.LogEvent{
		Event:   log.EventCloneCreated,
		CloneID: id,
		Data:    map[string]any{"extensions": len(spec.Extensions), "themes": sb.InstalledThemes},
	})
	return sb, nil
}

func (s *Store) create(ctx context.Context, id string, spec Spec) (*Sandbox, error) {
	sb := &Sandbox{
		CloneID:       id,
		Namespace:     Namespace(id),
		Root:          s.root(id),
		ExtensionsDir: s.ExtensionsDir(id),
		ThemesDir:     s.ThemesDir(id),
		LogPath:       s.logPath(id),
	}

	for _, dir := range []string{sb.ExtensionsDir, sb.ThemesDir, filepath.Dir(sb.LogPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, models.NewError(models.KindDirectoryCreateFailed, "create clone directory", err)
		}
	}

	if err := s.cloneTables(ctx, id); err != nil {
		return nil, err
	}

	for _, slug := range spec.Extensions {
		if _, err := copyTree(filepath.Join(s.contentDir, "extensions", slug), filepath.Join(sb.ExtensionsDir, slug)); err != nil {
			return nil, models.NewError(models.KindFileCopyFailed, "copy extension "+slug, err)
		}
	}
	for _, slug := range spec.Themes {
		copied, err := copyTree(filepath.Join(s.contentDir, "themes", slug), filepath.Join(sb.ThemesDir, slug))
		if err != nil {
			return nil, models.NewError(models.KindFileCopyFailed, "copy theme "+slug, err)
		}
		if copied {
			sb.InstalledThemes = append(sb.InstalledThemes, slug)
		}
	}

	baseline, err := touch(sb.LogPath)
	if err != nil {
		return nil, models.NewError(models.KindDirectoryCreateFailed, "create clone log", err)
	}
	sb.LogBaseline = baseline

	return sb, nil
}

func (s *Store) sourceTables(ctx context.Context) ([]string, error) {
	all, err := s.dialect.ListTables(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range all {
		if !strings.HasPrefix(name, s.prefix) || cloneTablePart.MatchString(name) {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *Store) namespaceTables(ctx context.Context, id string) ([]string, error) {
	all, err := s.dialect.ListTables(ctx, s.db)
	if err != nil {
		return nil, err
	}
	ns := Namespace(id)
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, ns) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Store) cloneTables(ctx context.Context, id string) error {
	tables, err := s.sourceTables(ctx)
	if err != nil {
		return models.NewError(models.KindDataCloneFailed, "list host tables", err)
	}
	ns := Namespace(id)
	for _, src := range tables {
		dst := ns + src
		if !host.ValidIdent(src) || !host.ValidIdent(dst) {
			return models.NewError(models.KindDataCloneFailed, "clone table "+src, fmt.Errorf("unsupported table name"))
		}
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+host.Quote(dst)); err != nil {
			return models.NewError(models.KindDataCloneFailed, "drop table "+dst, err)
		}
		if err := s.dialect.CreateLike(ctx, s.db, dst, src); err != nil {
			return models.NewError(models.KindDataCloneFailed, "create table "+dst, err)
		}
		if schemaOnlyTables[strings.TrimPrefix(src, s.prefix)] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, host.Quote(dst), host.Quote(src))); err != nil {
			return models.NewError(models.KindDataCloneFailed, "copy rows into "+dst, err)
		}
	}
	return nil
}

// DestroyClone removes the clone's tables, file trees and log. It never
// fails; problems are logged and the remaining steps still run.
func (s *Store) DestroyClone(ctx context.Context, id string) {
	if !ValidID(id) {
		return
	}
	var problems []string

	tables, err := s.namespaceTables(ctx, id)
	if err != nil {
		problems = append(problems, err.Error())
	}
	for _, t := range tables {
		if !host.ValidIdent(t) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+host.Quote(t)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if err := os.RemoveAll(s.root(id)); err != nil {
		problems = append(problems, err.Error())
	}
	if err := os.Remove(s.logPath(id)); err != nil && !os.IsNotExist(err) {
		problems = append(problems, err.Error())
	}

	ev := log.LogEvent{Event: log.EventCloneDestroyed, CloneID: id}
	if len(problems) > 0 {
		ev.Error = strings.Join(problems, "; ")
	}
	s.logger.Append(ev)
}

func (s *Store) options(id string) (*host.Options, error) {
	if !ValidID(id) {
		return nil, models.NewError(models.KindInvalidCloneID, "open clone options", fmt.Errorf("invalid clone id %q", id))
	}
	return host.NewOptions(s.db, Namespace(id)+s.prefix)
}

func (s *Store) SetActiveExtensions(ctx context.Context, id string, slugs []string) error {
	opts, err := s.options(id)
	if err != nil {
		return err
	}
	return opts.SetActiveExtensions(ctx, slugs)
}

func (s *Store) SetActiveTheme(ctx context.Context, id, slug string) error {
	opts, err := s.options(id)
	if err != nil {
		return err
	}
	return opts.SetTheme(ctx, slug)
}

// LoadSiteConfig reads the effective configuration of a clone.
func (s *Store) LoadSiteConfig(ctx context.Context, id string) (host.SiteConfig, error) {
	opts, err := s.options(id)
	if err != nil {
		return host.SiteConfig{}, err
	}
	cfg, err := opts.SiteConfig(ctx)
	if err != nil {
		return host.SiteConfig{}, err
	}
	cfg.CloneID = id
	return cfg, nil
}

// LiveOptions returns the host's own option table.
func (s *Store) LiveOptions() (*host.Options, error) {
	return host.NewOptions(s.db, s.prefix)
}

// GetProbeURL builds a URL for p on the host that boots with the clone's
// configuration.
func (s *Store) GetProbeURL(id, p string) string {
	u := *s.siteURL
	if p != "" {
		u.Path = path.Join("/", u.Path, p)
		if strings.HasSuffix(p, "/") && !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
	}
	q := u.Query()
	q.Set(QueryParam, id)
	u.RawQuery = q.Encode()
	return u.String()
}

// ReadNewLog returns at most max bytes the clone log gained after the
// sandbox was created.
func (s *Store) ReadNewLog(sb *Sandbox, max int64) ([]byte, error) {
	return readSince(sb.LogPath, sb.LogBaseline, max)
}
