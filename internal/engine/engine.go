// Package engine owns the sync task lifecycle: scheduling, the single
// running task, the consumed watermark and the per-run pipeline.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deltasync/internal/consumer"
	"deltasync/internal/domain"
	"deltasync/internal/events"
	"deltasync/internal/notify"
	"deltasync/internal/repo"
	"deltasync/internal/syncerr"
)

// Lister lists delta files created after since, oldest first.
type Lister interface {
	List(ctx context.Context, since time.Time) ([]domain.DeltaFileRef, error)
}

// FileConsumer ingests one delta file.
type FileConsumer interface {
	Consume(ctx context.Context, file domain.DeltaFileRef) (consumer.Outcome, error)
}

type Options struct {
	Environment  string
	InitialSince time.Time
	Logger       *slog.Logger
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	EventLog events.Writer
	Fetcher  Lister
	Consumer FileConsumer
	Notifier notify.Notifier
	Options
	Now func() time.Time

	runMu sync.Mutex
}

func New(db *sql.DB, fetcher Lister, fc FileConsumer, n notify.Notifier, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		EventLog: events.Writer{},
		Fetcher:  fetcher,
		Consumer: fc,
		Notifier: n,
		Options:  opts,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Watermark is the until of the most recently concluded task, or the
// configured initial value when none has concluded.
func (e *Engine) Watermark(ctx context.Context) (time.Time, error) {
	wm, ok, err := e.Repo.Watermark(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		return e.InitialSince.UTC(), nil
	}
	return wm, nil
}

func (e *Engine) watermarkTx(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	wm, ok, err := e.Repo.WatermarkTx(ctx, tx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if !ok {
		return e.InitialSince.UTC(), nil
	}
	return wm, nil
}

// TriggerOutcome tells a caller what a trigger did.
type TriggerOutcome string

const (
	// Scheduled means a new task was created.
	Scheduled TriggerOutcome = "scheduled"
	// AlreadyScheduled means a pending task already covers the request.
	AlreadyScheduled TriggerOutcome = "already_scheduled"
	// InProgress means a task is running; a follow-up is pending.
	InProgress TriggerOutcome = "in_progress"
)

type TriggerResult struct {
	Outcome TriggerOutcome   `json:"outcome" enum:"scheduled,already_scheduled,in_progress"`
	Task    domain.SyncTask  `json:"task"`
	Running *domain.SyncTask `json:"running,omitempty"`
}

// Schedule creates a scheduled task unless one is already scheduled or
// running. It never blocks on a run.
func (e *Engine) Schedule(ctx context.Context) (TriggerResult, error) {
	return e.ensure(ctx, false)
}

// Trigger is the on-demand variant of Schedule: when a task is running it
// still makes sure a follow-up task is scheduled.
func (e *Engine) Trigger(ctx context.Context) (TriggerResult, error) {
	return e.ensure(ctx, true)
}

func (e *Engine) ensure(ctx context.Context, followUp bool) (TriggerResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TriggerResult{}, err
	}
	defer tx.Rollback()

	running, err := e.Repo.RunningTx(ctx, tx)
	if err != nil {
		return TriggerResult{}, err
	}
	pending, err := e.Repo.NextScheduledTx(ctx, tx)
	if err != nil {
		return TriggerResult{}, err
	}
	switch {
	case running != nil && (pending != nil || !followUp):
		res := TriggerResult{Outcome: InProgress, Task: *running, Running: running}
		if pending != nil {
			res.Task = *pending
		}
		return res, nil
	case running == nil && pending != nil:
		return TriggerResult{Outcome: AlreadyScheduled, Task: *pending}, nil
	}

	since, err := e.watermarkTx(ctx, tx)
	if err != nil {
		return TriggerResult{}, err
	}
	task := domain.SyncTask{
		ID:        uuid.NewString(),
		Status:    domain.StatusScheduled,
		Since:     since,
		Files:     []domain.DeltaFileRef{},
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return TriggerResult{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.EventLog.Append(ctx, tx, events.TaskScheduled, events.KindSyncTask, task.ID, events.EventPayload{
		"since":     since.Format(time.RFC3339Nano),
		"follow_up": running != nil,
	}); err != nil {
		return TriggerResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TriggerResult{}, err
	}
	if running != nil {
		e.log().Info("run in progress; follow-up task scheduled", "task", task.ID, "running", running.ID)
		return TriggerResult{Outcome: InProgress, Task: task, Running: running}, nil
	}
	e.log().Info("sync task scheduled", "task", task.ID, "since", since.Format(time.RFC3339))
	return TriggerResult{Outcome: Scheduled, Task: task}, nil
}

// GetRunning returns the running task, if any.
func (e *Engine) GetRunning(ctx context.Context) (*domain.SyncTask, error) {
	return e.Repo.Running(ctx)
}

// Next returns the oldest scheduled task, if any.
func (e *Engine) Next(ctx context.Context) (*domain.SyncTask, error) {
	return e.Repo.NextScheduled(ctx)
}

func (e *Engine) GetTask(ctx context.Context, id string) (domain.SyncTask, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context, limit int, status string) ([]domain.SyncTask, error) {
	return e.Repo.ListTasks(ctx, limit, status)
}

// Counts returns the number of tasks per status.
func (e *Engine) Counts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountByStatus(ctx)
}

// Events returns the audit log, newest first.
func (e *Engine) Events(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, evtType, entityID)
}

// Reconcile fails every task left running by a previous process. It must
// run before the first trigger of this process.
func (e *Engine) Reconcile(ctx context.Context) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	wm, err := e.watermarkTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	ids, err := e.Repo.FailRunning(ctx, tx, "interrupted: process restarted while the task was running", wm, e.now())
	if err != nil {
		return nil, fmt.Errorf("fail running tasks: %w", err)
	}
	for _, id := range ids {
		if err := e.EventLog.Append(ctx, tx, events.TaskReconciled, events.KindSyncTask, id, nil); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.log().Warn("task was running at startup; marked failed", "task", id)
	}
	return ids, nil
}

// Run executes task. It fails with a conflict error when another run is in
// progress. The returned task is the concluded record; a pipeline failure is
// returned alongside it.
func (e *Engine) Run(ctx context.Context, task domain.SyncTask) (domain.SyncTask, error) {
	if !e.runMu.TryLock() {
		running, _ := e.Repo.Running(ctx)
		id := ""
		if running != nil {
			id = running.ID
		}
		return task, syncerr.Conflict(id)
	}
	defer e.runMu.Unlock()

	since, err := e.start(ctx, task.ID)
	if err != nil {
		return task, err
	}
	log := e.log().With("task", task.ID)
	log.Info("sync task running", "since", since.Format(time.RFC3339))

	// Conclusion is recorded even when ctx is cancelled mid-run.
	persist := context.WithoutCancel(ctx)
	until := since
	files, err := e.Fetcher.List(ctx, since)
	if err != nil {
		return e.fail(persist, task.ID, since, until, "", err)
	}
	if err := e.progress(persist, task.ID, files, nil); err != nil {
		return e.fail(persist, task.ID, since, until, "", err)
	}
	log.Info("delta files to ingest", "count", len(files))

	for _, f := range files {
		if _, err := e.Consumer.Consume(ctx, f); err != nil {
			return e.fail(persist, task.ID, since, until, f.ID, err)
		}
		// until only moves once the file's progress is committed.
		applied := f.CreatedAt
		if err := e.progress(persist, task.ID, files, &applied); err != nil {
			return e.fail(persist, task.ID, since, until, f.ID, err)
		}
		until = applied
	}
	return e.succeed(persist, task.ID, until, len(files))
}

func (e *Engine) start(ctx context.Context, id string) (time.Time, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()
	since, err := e.watermarkTx(ctx, tx)
	if err != nil {
		return time.Time{}, err
	}
	if err := e.Repo.MarkRunning(ctx, tx, id, since, e.now()); err != nil {
		if !errors.Is(err, repo.ErrStateChanged) {
			return time.Time{}, fmt.Errorf("mark running: %w", err)
		}
		if running, rerr := e.Repo.RunningTx(ctx, tx); rerr == nil && running != nil {
			return time.Time{}, syncerr.Conflict(running.ID)
		}
		return time.Time{}, fmt.Errorf("task %s is not scheduled: %w", id, err)
	}
	if err := e.EventLog.Append(ctx, tx, events.TaskRunning, events.KindSyncTask, id, events.EventPayload{
		"since": since.Format(time.RFC3339Nano),
	}); err != nil {
		return time.Time{}, err
	}
	return since, tx.Commit()
}

func (e *Engine) progress(ctx context.Context, id string, files []domain.DeltaFileRef, until *time.Time) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RecordProgress(ctx, tx, id, files, until); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if until != nil {
		if err := e.EventLog.Append(ctx, tx, events.FileApplied, events.KindSyncTask, id, events.EventPayload{
			"until": until.Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (e *Engine) succeed(ctx context.Context, id string, until time.Time, files int) (domain.SyncTask, error) {
	if err := e.conclude(ctx, id, domain.StatusSuccess, until, "", events.TaskSucceeded); err != nil {
		return domain.SyncTask{ID: id}, err
	}
	e.log().Info("sync task succeeded", "task", id, "files", files, "until", until.Format(time.RFC3339))
	return e.Repo.GetTask(ctx, id)
}

func (e *Engine) fail(ctx context.Context, id string, since, until time.Time, file string, cause error) (domain.SyncTask, error) {
	if err := e.conclude(ctx, id, domain.StatusFailed, until, cause.Error(), events.TaskFailed); err != nil {
		return domain.SyncTask{ID: id}, errors.Join(cause, err)
	}
	e.log().Error("sync task failed", "task", id, "file", file, "until", until.Format(time.RFC3339), "err", cause)
	notify.Send(ctx, e.Notifier, notify.Failure{
		Environment: e.Environment,
		TaskID:      id,
		Kind:        string(syncerr.KindOf(cause)),
		File:        file,
		Detail:      cause.Error(),
		Since:       since,
		Until:       until,
		At:          e.now(),
	}, e.log())
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.SyncTask{ID: id}, errors.Join(cause, err)
	}
	return task, cause
}

func (e *Engine) conclude(ctx context.Context, id, status string, until time.Time, msg, evt string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.Conclude(ctx, tx, id, status, until, msg, e.now()); err != nil {
		return fmt.Errorf("conclude task: %w", err)
	}
	payload := events.EventPayload{"until": until.Format(time.RFC3339Nano)}
	if msg != "" {
		payload["error"] = msg
	}
	if err := e.EventLog.Append(ctx, tx, evt, events.KindSyncTask, id, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// Drain runs scheduled tasks oldest first until none is left. Pipeline
// failures conclude their task and do not stop the drain. It returns the
// concluded tasks.
func (e *Engine) Drain(ctx context.Context) ([]domain.SyncTask, error) {
	var done []domain.SyncTask
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		next, err := e.Next(ctx)
		if err != nil {
			return done, err
		}
		if next == nil {
			return done, nil
		}
		task, err := e.Run(ctx, *next)
		if err != nil && !task.Concluded() {
			return done, err
		}
		done = append(done, task)
	}
}

// Ingest schedules a task if needed and drains synchronously.
func (e *Engine) Ingest(ctx context.Context) ([]domain.SyncTask, error) {
	if _, err := e.Schedule(ctx); err != nil {
		return nil, err
	}
	return e.Drain(ctx)
}
