package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/conflictscan/internal/models"
)

const defaultListLimit = 10

type Storage struct {
	db       *sql.DB
	progress *progressCache
	now      func() time.Time
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Storage{db: db, progress: newProgressCache(time.Hour), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		clone_id TEXT NOT NULL,
		user_context TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','running','completed','failed')),
		progress_json TEXT,
		result_json TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_sessions_status ON scan_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_scan_sessions_created ON scan_sessions(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) stamp() int64 {
	return s.now().UnixMilli()
}

// Create stores a new queued session and returns its id.
func (s *Storage) Create(ctx context.Context, cloneID, userContext string) (int64, error) {
	now := s.stamp()
	progress, err := json.Marshal(progressAt(models.DefaultProgress(models.ScanStatusQueued), now))
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_sessions (clone_id, user_context, status, progress_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cloneID, userContext, models.ScanStatusQueued, string(progress), now, now,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const selectSession = `SELECT id, clone_id, user_context, status, progress_json, result_json, error_message, created_at, updated_at
	FROM scan_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Storage) scanSession(row rowScanner) (*models.ScanSession, error) {
	var sess models.ScanSession
	var progressJSON, resultJSON, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.CloneID, &sess.UserContext, &sess.Status,
		&progressJSON, &resultJSON, &errorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if progressJSON.Valid && progressJSON.String != "" {
		var p models.Progress
		if err := json.Unmarshal([]byte(progressJSON.String), &p); err == nil {
			sess.Progress = &p
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var r models.ScanResult
		if err := json.Unmarshal([]byte(resultJSON.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of session %d: %w", sess.ID, err)
		}
		sess.Result = &r
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		sess.ErrorMessage = &msg
	}

	if sess.Status == models.ScanStatusRunning {
		if p, ok := s.progress.get(sess.ID); ok {
			sess.Progress = &p
		}
	}
	if sess.Progress == nil {
		sess.Progress = models.DefaultProgress(sess.Status)
	}
	return &sess, nil
}

func (s *Storage) Get(ctx context.Context, id int64) (*models.ScanSession, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id)
	sess, err := s.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get session", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func notFound(op string, id int64) error {
	return models.NewError(models.KindSessionNotFound, op, fmt.Errorf("session %d not found", id))
}

func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*models.ScanSession, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.list(ctx, selectSession+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// ListStale returns running sessions that started more than maxAge ago.
func (s *Storage) ListStale(ctx context.Context, maxAge time.Duration) ([]*models.ScanSession, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	return s.list(ctx, selectSession+` WHERE status = 'running' AND COALESCE(started_at, created_at) < ? ORDER BY id`, cutoff)
}

// ListQueued returns sessions still waiting for a worker, oldest first.
func (s *Storage) ListQueued(ctx context.Context) ([]*models.ScanSession, error) {
	return s.list(ctx, selectSession+` WHERE status = 'queued' ORDER BY id`)
}

func (s *Storage) list(ctx context.Context, query string, args ...any) ([]*models.ScanSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*models.ScanSession{}
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateStatus moves a queued session to running or a running session to
// failed. Completion goes through UpdateResult so a completed session always
// carries its result.
func (s *Storage) UpdateStatus(ctx context.Context, id int64, status models.ScanStatus, errorMessage *string) error {
	now := s.stamp()
	var res sql.Result
	var err error

	switch status {
	case models.ScanStatusRunning:
		progress, _ := json.Marshal(progressAt(models.DefaultProgress(status), now))
		res, err = s.db.ExecContext(ctx,
			`UPDATE scan_sessions SET status = 'running', started_at = ?, updated_at = ?, progress_json = ?
			 WHERE id = ? AND status = 'queued'`,
			now, now, string(progress), id,
		)
	case models.ScanStatusFailed:
		msg := "unknown error"
		if errorMessage != nil && *errorMessage != "" {
			msg = *errorMessage
		}
		progress, _ := json.Marshal(progressAt(models.DefaultProgress(status), now))
		res, err = s.db.ExecContext(ctx,
			`UPDATE scan_sessions SET status = 'failed', error_message = ?, updated_at = ?, progress_json = ?
			 WHERE id = ? AND status = 'running'`,
			msg, now, string(progress), id,
		)
	default:
		return models.NewError(models.KindInvalidTransition, "update status",
			fmt.Errorf("cannot set status %q directly", status))
	}
	if err != nil {
		return err
	}
	if err := s.expectOne(ctx, res, "update status", id, status); err != nil {
		return err
	}
	if status == models.ScanStatusFailed {
		s.progress.clear(id)
	}
	return nil
}

// UpdateResult writes the result and marks the session completed in one
// statement.
func (s *Storage) UpdateResult(ctx context.Context, id int64, result *models.ScanResult) error {
	if result == nil {
		return fmt.Errorf("update result: result is required")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := s.stamp()
	progress, _ := json.Marshal(progressAt(models.DefaultProgress(models.ScanStatusCompleted), now))

	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_sessions SET status = 'completed', result_json = ?, progress_json = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(data), string(progress), now, id,
	)
	if err != nil {
		return err
	}
	if err := s.expectOne(ctx, res, "update result", id, models.ScanStatusCompleted); err != nil {
		return err
	}
	s.progress.clear(id)
	return nil
}

// expectOne turns a no-op update into a not-found or invalid-transition
// error.
func (s *Storage) expectOne(ctx context.Context, res sql.Result, op string, id int64, to models.ScanStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current models.ScanStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scan_sessions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, id)
	}
	if err != nil {
		return err
	}
	return models.NewError(models.KindInvalidTransition, op,
		fmt.Errorf("session %d cannot move from %s to %s", id, current, to))
}

// UpdateProgress replaces the progress snapshot. Pollers see every update
// through the cache; the durable copy is refreshed when the step changes or
// persistInterval has passed.
func (s *Storage) UpdateProgress(ctx context.Context, id int64, step, message string, percent int, extra map[string]any) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := s.now()
	p := models.Progress{
		Step:      step,
		Message:   message,
		Percent:   percent,
		UpdatedAt: now.UnixMilli(),
		Extra:     extra,
	}

	if !s.progress.put(id, p, now) {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE scan_sessions SET progress_json = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(data), now.UnixMilli(), id,
	)
	return err
}

// DeleteOlderThan removes finished sessions created more than age ago.
func (s *Storage) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scan_sessions WHERE created_at < ? AND status IN ('completed', 'failed')`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func progressAt(p *models.Progress, ms int64) *models.Progress {
	p.UpdatedAt = ms
	return p
}
