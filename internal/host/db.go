// Package host reads and writes the configuration of the application being
// scanned. The same code serves the live option table and every clone's
// namespaced copy; only the table prefix differs.
package host

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Open connects to the host database. Only the sqlite and postgres drivers
// are supported.
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported host driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open host database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure host database: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect host database: %w", err)
	}
	return db, nil
}

// Dialect hides the few statements that differ between host databases.
type Dialect interface {
	ListTables(ctx context.Context, db *sqlx.DB) ([]string, error)
	// CreateLike creates dst with src's column layout and no rows.
	CreateLike(ctx context.Context, db *sqlx.DB, dst, src string) error
}

func DialectFor(db *sqlx.DB) Dialect {
	if db.DriverName() == DriverPostgres {
		return postgresDialect{}
	}
	return sqliteDialect{}
}

type sqliteDialect struct{}

func (sqliteDialect) ListTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var names []string
	err := db.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	return names, err
}

var createTableHead = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?("[^"]+"|\x60[^\x60]+\x60|\[[^\]]+\]|[^\s(]+)`)

func (sqliteDialect) CreateLike(ctx context.Context, db *sqlx.DB, dst, src string) error {
	var ddl string
	if err := db.GetContext(ctx, &ddl,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, src); err != nil {
		return fmt.Errorf("read schema of %s: %w", src, err)
	}
	if !createTableHead.MatchString(ddl) {
		return fmt.Errorf("unrecognized schema for %s", src)
	}
	ddl = createTableHead.ReplaceAllLiteralString(ddl, "CREATE TABLE "+Quote(dst))
	_, err := db.ExecContext(ctx, ddl)
	return err
}

type postgresDialect struct{}

func (postgresDialect) ListTables(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var names []string
	err := db.SelectContext(ctx, &names,
		`SELECT tablename FROM pg_tables WHERE schemaname = current_schema() ORDER BY tablename`)
	return names, err
}

func (postgresDialect) CreateLike(ctx context.Context, db *sqlx.DB, dst, src string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (LIKE %s INCLUDING ALL)`, Quote(dst), Quote(src)))
	return err
}

// Quote returns name as a quoted identifier. Callers must pass names that
// satisfy ValidIdent.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}
