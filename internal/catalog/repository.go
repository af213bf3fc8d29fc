package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListPendingRuns(ctx context.Context) ([]*Run, error)
	ListActiveRetries(ctx context.Context, parentID string, scene int) ([]*Run, error)
	UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateRunTotals(ctx context.Context, id string, totals Totals) error

	UpsertCard(ctx context.Context, card generation.Card) error
	ListCards(ctx context.Context, runID string) ([]generation.Card, error)
	GetCard(ctx context.Context, runID string, scene, copyNumber int) (*generation.Card, error)

	AppendLog(ctx context.Context, line generation.LogLine) error
	ListLogs(ctx context.Context, runID string, limit int) ([]generation.LogLine, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, type, parent_id, title, status, request, scene, copies, error,
	total_cards, downloaded, failed, created_at, updated_at, started_at, finished_at`

func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	request, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("encode run request: %w", err)
	}
	copies, err := encodeCopies(run.Copies)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, type, parent_id, title, status, request, scene, copies, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Type, nullString(run.ParentID), run.Title, run.Status, string(request),
		nullInt(run.Scene), copies, nullString(run.Error),
		run.CreatedAt.UTC().Format(timeLayout), run.UpdatedAt.UTC().Format(timeLayout))
	return err
}

func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *SQLiteRepository) ListPendingRuns(ctx context.Context) ([]*Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC, rowid ASC`, RunStatusPending)
}

func (r *SQLiteRepository) ListActiveRetries(ctx context.Context, parentID string, scene int) ([]*Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
		WHERE type = ? AND parent_id = ? AND scene = ? AND status IN (?, ?)`,
		RunTypeRetryScene, parentID, scene, RunStatusPending, RunStatusRunning)
}

func (r *SQLiteRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var parentID, copies, errMsg, startedAt, finishedAt sql.NullString
	var scene sql.NullInt64
	var request, createdAt, updatedAt string

	err := s.Scan(&run.ID, &run.Type, &parentID, &run.Title, &run.Status, &request, &scene, &copies, &errMsg,
		&run.TotalCards, &run.Downloaded, &run.Failed, &createdAt, &updatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &run.Request); err != nil {
		return nil, fmt.Errorf("decode request of run %s: %w", run.ID, err)
	}
	if copies.Valid && copies.String != "" {
		if err := json.Unmarshal([]byte(copies.String), &run.Copies); err != nil {
			return nil, fmt.Errorf("decode copies of run %s: %w", run.ID, err)
		}
	}
	run.ParentID = parentID.String
	run.Scene = int(scene.Int64)
	run.Error = errMsg.String
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = parseNullTime(startedAt)
	run.FinishedAt = parseNullTime(finishedAt)
	return &run, nil
}

func (r *SQLiteRepository) UpdateRunStatus(ctx context.Context, id, status, errorMsg string) error {
	now := time.Now().UTC().Format(timeLayout)
	query := `UPDATE runs SET status = ?, error = ?, updated_at = ?`
	args := []any{status, nullString(errorMsg), now}
	switch status {
	case RunStatusRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *SQLiteRepository) UpdateRunTotals(ctx context.Context, id string, t Totals) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET total_cards = ?, downloaded = ?, failed = ?, updated_at = ? WHERE id = ?
	`, t.Cards, t.Downloaded, t.Failed, time.Now().UTC().Format(timeLayout), id)
	return err
}

func (r *SQLiteRepository) UpsertCard(ctx context.Context, c generation.Card) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cards (run_id, scene, copy, status, operation, model, url, path, thumb, upscaled_path, error_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, scene, copy) DO UPDATE SET
			status = excluded.status,
			operation = excluded.operation,
			model = excluded.model,
			url = excluded.url,
			path = excluded.path,
			thumb = excluded.thumb,
			upscaled_path = excluded.upscaled_path,
			error_reason = excluded.error_reason,
			updated_at = excluded.updated_at
	`, c.RunID, c.Scene, c.Copy, string(c.Status), nullString(c.Operation), nullString(c.Model), nullString(c.URL),
		nullString(c.Path), nullString(c.Thumb), nullString(c.UpscaledPath), nullString(c.ErrorReason),
		updated.UTC().Format(timeLayout))
	return err
}

const cardColumns = `run_id, scene, copy, status, operation, model, url, path, thumb, upscaled_path, error_reason, updated_at`

func (r *SQLiteRepository) ListCards(ctx context.Context, runID string) ([]generation.Card, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE run_id = ? ORDER BY scene, copy`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []generation.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

func (r *SQLiteRepository) GetCard(ctx context.Context, runID string, scene, copyNumber int) (*generation.Card, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE run_id = ? AND scene = ? AND copy = ?`,
		runID, scene, copyNumber)
	c, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanCard(s scanner) (*generation.Card, error) {
	var c generation.Card
	var status, updatedAt string
	var operation, model, url, path, thumb, upscaled, reason sql.NullString
	if err := s.Scan(&c.RunID, &c.Scene, &c.Copy, &status, &operation, &model, &url, &path, &thumb, &upscaled, &reason, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = generation.Status(status)
	c.Operation = operation.String
	c.Model = model.String
	c.URL = url.String
	c.Path = path.String
	c.Thumb = thumb.String
	c.UpscaledPath = upscaled.String
	c.ErrorReason = reason.String
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (r *SQLiteRepository) AppendLog(ctx context.Context, l generation.LogLine) error {
	var attrs sql.NullString
	if len(l.Attrs) > 0 {
		data, err := json.Marshal(l.Attrs)
		if err == nil {
			attrs = sql.NullString{String: string(data), Valid: true}
		}
	}
	at := l.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, level, message, attrs, created_at) VALUES (?, ?, ?, ?, ?)
	`, l.RunID, l.Level, l.Message, attrs, at.UTC().Format(timeLayout))
	return err
}

// ListLogs returns the most recent lines of a run, oldest first.
func (r *SQLiteRepository) ListLogs(ctx context.Context, runID string, limit int) ([]generation.LogLine, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, level, message, attrs, created_at FROM (
			SELECT id, run_id, level, message, attrs, created_at FROM run_logs
			WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []generation.LogLine
	for rows.Next() {
		var l generation.LogLine
		var attrs sql.NullString
		var createdAt string
		if err := rows.Scan(&l.RunID, &l.Level, &l.Message, &attrs, &createdAt); err != nil {
			return nil, err
		}
		if attrs.Valid {
			json.Unmarshal([]byte(attrs.String), &l.Attrs)
		}
		l.Time = parseTime(createdAt)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func encodeCopies(copies []int) (sql.NullString, error) {
	if len(copies) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(copies)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode copies: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
