package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deltasync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStateChanged is returned by conditional transitions whose
	// precondition no longer holds.
	ErrStateChanged = errors.New("task state changed")
)

// TimeFormat is fixed width so stored timestamps sort lexically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(TimeFormat) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	t = t.UTC()
	return &t, nil
}

const taskColumns = `id,status,since,until,files_json,COALESCE(error_message,''),created_at,started_at,concluded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.SyncTask, error) {
	var (
		t                         domain.SyncTask
		since, created, files     string
		until, started, concluded sql.NullString
	)
	err := row.Scan(&t.ID, &t.Status, &since, &until, &files, &t.ErrorMessage, &created, &started, &concluded)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Since, err = time.Parse(time.RFC3339Nano, since); err != nil {
		return t, fmt.Errorf("parse since: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return t, fmt.Errorf("parse created_at: %w", err)
	}
	t.Since, t.CreatedAt = t.Since.UTC(), t.CreatedAt.UTC()
	if t.Until, err = parseTS(until); err != nil {
		return t, err
	}
	if t.StartedAt, err = parseTS(started); err != nil {
		return t, err
	}
	if t.ConcludedAt, err = parseTS(concluded); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return t, fmt.Errorf("decode files_json: %w", err)
	}
	if t.Files == nil {
		t.Files = []domain.DeltaFileRef{}
	}
	return t, nil
}

func encodeFiles(files []domain.DeltaFileRef) (string, error) {
	if files == nil {
		files = []domain.DeltaFileRef{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("encode files_json: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.SyncTask) error {
	files, err := encodeFiles(t.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_tasks(id,status,since,until,files_json,error_message,created_at,started_at,concluded_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, ts(t.Since), tsPtr(t.Until), files, nullable(t.ErrorMessage), ts(t.CreatedAt), tsPtr(t.StartedAt), tsPtr(t.ConcludedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.SyncTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id=?`, id))
}

// ListTasks returns the most recent tasks first.
func (r Repo) ListTasks(ctx context.Context, limit int, status string) ([]domain.SyncTask, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM sync_tasks WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, taskColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RunningTx returns the running task, or nil.
func (r Repo) RunningTx(ctx context.Context, tx *sql.Tx) (*domain.SyncTask, error) {
	return optional(scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE status='running' LIMIT 1`)))
}

func (r Repo) Running(ctx context.Context) (*domain.SyncTask, error) {
	return optional(scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE status='running' LIMIT 1`)))
}

// NextScheduledTx returns the oldest scheduled task, or nil.
func (r Repo) NextScheduledTx(ctx context.Context, tx *sql.Tx) (*domain.SyncTask, error) {
	return optional(scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE status='scheduled' ORDER BY created_at ASC, rowid ASC LIMIT 1`)))
}

func (r Repo) NextScheduled(ctx context.Context) (*domain.SyncTask, error) {
	return optional(scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE status='scheduled' ORDER BY created_at ASC, rowid ASC LIMIT 1`)))
}

// MarkRunning moves a scheduled task to running with a refreshed since.
// It fails with ErrStateChanged when the task is no longer scheduled or
// another task is running.
func (r Repo) MarkRunning(ctx context.Context, tx *sql.Tx, id string, since, startedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE sync_tasks SET status='running', since=?, started_at=?
		WHERE id=? AND status='scheduled' AND NOT EXISTS (SELECT 1 FROM sync_tasks WHERE status='running')`,
		ts(since), ts(startedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

// RecordProgress stores the files of a running task and the createdAt of
// the last file fully applied so far.
func (r Repo) RecordProgress(ctx context.Context, tx *sql.Tx, id string, files []domain.DeltaFileRef, until *time.Time) error {
	encoded, err := encodeFiles(files)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sync_tasks SET files_json=?, until=COALESCE(?,until) WHERE id=? AND status='running'`,
		encoded, tsPtr(until), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

// Conclude moves a running task to its terminal status.
func (r Repo) Conclude(ctx context.Context, tx *sql.Tx, id, status string, until time.Time, errMsg string, at time.Time) error {
	if status != domain.StatusSuccess && status != domain.StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := tx.ExecContext(ctx, `UPDATE sync_tasks SET status=?, until=?, error_message=?, concluded_at=? WHERE id=? AND status='running'`,
		status, ts(until), nullable(errMsg), ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

// FailRunning forces every running task to failed, keeping any progress
// recorded for it and falling back to fallback as its until. It returns the
// ids it changed.
func (r Repo) FailRunning(ctx context.Context, tx *sql.Tx, msg string, fallback, at time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM sync_tasks WHERE status='running'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_tasks SET status='failed', until=COALESCE(until,?), error_message=?, concluded_at=? WHERE id=?`,
			ts(fallback), msg, ts(at), id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// WatermarkTx returns the until of the most recently concluded task. ok is
// false when no task has concluded yet.
func (r Repo) WatermarkTx(ctx context.Context, tx *sql.Tx) (time.Time, bool, error) {
	return scanWatermark(tx.QueryRowContext(ctx, watermarkQuery))
}

func (r Repo) Watermark(ctx context.Context) (time.Time, bool, error) {
	return scanWatermark(r.DB.QueryRowContext(ctx, watermarkQuery))
}

const watermarkQuery = `SELECT until FROM sync_tasks
	WHERE status IN ('success','failed') AND until IS NOT NULL
	ORDER BY concluded_at DESC, rowid DESC LIMIT 1`

func scanWatermark(row *sql.Row) (time.Time, bool, error) {
	var until string
	if err := row.Scan(&until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, until)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark: %w", err)
	}
	return t.UTC(), true, nil
}

// CountByStatus returns the number of tasks per status.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// LatestEvents returns audit events newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func optional(t domain.SyncTask, err error) (*domain.SyncTask, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
