package clone

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/models"
	"github.com/mpataki/conflictscan/internal/testutil"
)

type fixture struct {
	store   *Store
	site    *testutil.Site
	content string
	logger  *log.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	content := testutil.TempContent(t, testutil.SiteFiles(
		[]string{"forms", "cache"},
		[]string{"storefront", "twentytwentyfour"},
	))
	site := testutil.NewSite(t, content, "wp_", []string{"forms", "cache"}, "storefront")

	logger, err := log.NewLogger(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	store, err := New(site.DB, Options{
		TablePrefix: "wp_",
		ContentDir:  content,
		SiteURL:     "http://site.test/blog",
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{store: store, site: site, content: content, logger: logger}
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.site.DB.Get(&n, `SELECT COUNT(*) FROM "`+table+`"`); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestNewIDFormat(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := f.store.NewID(context.Background())
		if err != nil {
			t.Fatalf("NewID failed: %v", err)
		}
		if !ValidID(id) {
			t.Fatalf("NewID returned invalid id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Error("ids should vary")
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"sb_abc123", true},
		{"sb_000000", true},
		{"sb_ABC123", false},
		{"sb_abc12", false},
		{"sb_abc1234", false},
		{"xx_abc123", false},
		{"sb_abc12g", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := ValidID(tc.id); got != tc.want {
			t.Errorf("ValidID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestCreateClone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sb, err := f.store.CreateClone(ctx, "sb_abc123", Spec{
		Extensions: []string{"forms", "cache"},
		Themes:     []string{"storefront", "twentytwentyfour", "missing"},
	})
	if err != nil {
		t.Fatalf("CreateClone failed: %v", err)
	}

	if sb.Namespace != "sb_abc123_" {
		t.Errorf("Namespace: got %q", sb.Namespace)
	}
	if got := f.count(t, "sb_abc123_wp_usermeta"); got != 1 {
		t.Errorf("config table should be copied in full, got %d rows", got)
	}
	if got := f.count(t, "sb_abc123_wp_posts"); got != 0 {
		t.Errorf("content table should be schema only, got %d rows", got)
	}

	cfg, err := f.store.LoadSiteConfig(ctx, "sb_abc123")
	if err != nil {
		t.Fatalf("LoadSiteConfig failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.ActiveExtensions, []string{"forms", "cache"}) || cfg.Stylesheet != "storefront" {
		t.Errorf("clone config: got %+v", cfg)
	}

	if _, err := os.Stat(filepath.Join(sb.ExtensionsDir, "forms", "forms.php")); err != nil {
		t.Errorf("extension tree not copied: %v", err)
	}
	if !sb.HasTheme("twentytwentyfour") || sb.HasTheme("missing") {
		t.Errorf("InstalledThemes: got %v", sb.InstalledThemes)
	}
	if _, err := os.Stat(sb.LogPath); err != nil {
		t.Errorf("clone log not created: %v", err)
	}
}

func TestCreateCloneReplacesLeftovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.store.CreateClone(ctx, "sb_abc123", Spec{}); err != nil {
		t.Fatalf("first CreateClone failed: %v", err)
	}
	if err := f.store.SetActiveExtensions(ctx, "sb_abc123", []string{"stale"}); err != nil {
		t.Fatalf("SetActiveExtensions failed: %v", err)
	}
	if _, err := f.store.CreateClone(ctx, "sb_abc123", Spec{}); err != nil {
		t.Fatalf("second CreateClone failed: %v", err)
	}

	cfg, err := f.store.LoadSiteConfig(ctx, "sb_abc123")
	if err != nil {
		t.Fatalf("LoadSiteConfig failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.ActiveExtensions, []string{"forms", "cache"}) {
		t.Errorf("leftover config survived: %v", cfg.ActiveExtensions)
	}
	if got := f.count(t, "sb_abc123_wp_usermeta"); got != 1 {
		t.Errorf("rows duplicated on re-create: %d", got)
	}
}

func TestSetActiveDoesNotTouchLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.store.CreateClone(ctx, "sb_abc123", Spec{}); err != nil {
		t.Fatalf("CreateClone failed: %v", err)
	}
	if err := f.store.SetActiveExtensions(ctx, "sb_abc123", []string{"forms"}); err != nil {
		t.Fatalf("SetActiveExtensions failed: %v", err)
	}
	if err := f.store.SetActiveTheme(ctx, "sb_abc123", "twentytwentyfour"); err != nil {
		t.Fatalf("SetActiveTheme failed: %v", err)
	}

	live, err := f.site.Options.SiteConfig(ctx)
	if err != nil {
		t.Fatalf("live SiteConfig failed: %v", err)
	}
	if !reflect.DeepEqual(live.ActiveExtensions, []string{"forms", "cache"}) || live.Stylesheet != "storefront" {
		t.Errorf("live config changed: %+v", live)
	}

	cfg, err := f.store.LoadSiteConfig(ctx, "sb_abc123")
	if err != nil {
		t.Fatalf("LoadSiteConfig failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.ActiveExtensions, []string{"forms"}) || cfg.Template != "twentytwentyfour" {
		t.Errorf("clone config: got %+v", cfg)
	}
}

func TestDestroyCloneIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sb, err := f.store.CreateClone(ctx, "sb_abc123", Spec{Extensions: []string{"forms"}})
	if err != nil {
		t.Fatalf("CreateClone failed: %v", err)
	}

	f.store.DestroyClone(ctx, "sb_abc123")
	f.store.DestroyClone(ctx, "sb_abc123")
	f.store.DestroyClone(ctx, "not-an-id")

	tables, err := f.store.namespaceTables(ctx, "sb_abc123")
	if err != nil {
		t.Fatalf("namespaceTables failed: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("tables left behind: %v", tables)
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Errorf("clone root should be gone, stat err = %v", err)
	}
	if got := f.count(t, "wp_usermeta"); got != 1 {
		t.Errorf("live table damaged: %d rows", got)
	}

	events, err := f.logger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	destroyed := 0
	for _, e := range events {
		if e.Event == log.EventCloneDestroyed {
			destroyed++
		}
	}
	if destroyed != 2 {
		t.Errorf("expected 2 destroy events, got %d", destroyed)
	}
}

func TestCreateCloneRejectsInvalidID(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateClone(context.Background(), "../etc", Spec{})
	if models.KindOf(err) != models.KindInvalidCloneID {
		t.Fatalf("expected invalid clone id error, got %v", err)
	}
	if err := f.store.SetActiveExtensions(context.Background(), "bogus", nil); models.KindOf(err) != models.KindInvalidCloneID {
		t.Fatalf("expected invalid clone id error, got %v", err)
	}
}

func TestCreateCloneFileCopyFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A regular file where an extension directory is expected.
	bad := filepath.Join(f.content, "extensions", "broken")
	if err := os.WriteFile(bad, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := f.store.CreateClone(ctx, "sb_dead00", Spec{Extensions: []string{"broken"}})
	if models.KindOf(err) != models.KindFileCopyFailed {
		t.Fatalf("expected file copy failure, got %v", err)
	}
	if !models.IsSandboxCreate(err) {
		t.Error("file copy failure is a sandbox create failure")
	}
	tables, _ := f.store.namespaceTables(ctx, "sb_dead00")
	if len(tables) != 0 {
		t.Errorf("partial clone left tables: %v", tables)
	}
	if _, err := os.Stat(f.store.root("sb_dead00")); !os.IsNotExist(err) {
		t.Errorf("partial clone left files")
	}
}

func TestGetProbeURL(t *testing.T) {
	f := newFixture(t)
	raw := f.store.GetProbeURL("sb_abc123", "/shop/")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Path != "/blog/shop/" {
		t.Errorf("path: got %q", u.Path)
	}
	if u.Query().Get(QueryParam) != "sb_abc123" {
		t.Errorf("query: got %q", u.RawQuery)
	}
	if root := f.store.GetProbeURL("sb_abc123", ""); root != "http://site.test/blog?isolate_clone=sb_abc123" {
		t.Errorf("root url: got %q", root)
	}
}

func TestReadNewLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sb, err := f.store.CreateClone(ctx, "sb_abc123", Spec{})
	if err != nil {
		t.Fatalf("CreateClone failed: %v", err)
	}
	if data, err := f.store.ReadNewLog(sb, 1024); err != nil || len(data) != 0 {
		t.Fatalf("fresh log: %q, %v", data, err)
	}

	fh, err := os.OpenFile(sb.LogPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	fh.WriteString("[01-Jan-2026] PHP Fatal error: boom\n")
	fh.Close()

	data, err := f.store.ReadNewLog(sb, 10)
	if err != nil {
		t.Fatalf("ReadNewLog failed: %v", err)
	}
	if string(data) != "[01-Jan-20" {
		t.Errorf("got %q", data)
	}
}
