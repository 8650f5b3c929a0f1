// Package scheduler owns the periodic and on-demand triggers that drive the
// engine.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"deltasync/internal/domain"
	"deltasync/internal/engine"
)

// Engine is the part of the sync task manager the scheduler drives.
type Engine interface {
	Reconcile(ctx context.Context) ([]string, error)
	Schedule(ctx context.Context) (engine.TriggerResult, error)
	Trigger(ctx context.Context) (engine.TriggerResult, error)
	Drain(ctx context.Context) ([]domain.SyncTask, error)
}

// Scheduler runs the engine from a single goroutine. A tick schedules a
// task; a trigger schedules one on demand; both wake the runner, which
// drains every scheduled task in order.
type Scheduler struct {
	Engine   Engine
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(e Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Engine: e, Interval: interval, Logger: logger, wake: make(chan struct{}, 1)}
}

// Start reconciles interrupted tasks and then starts the runner. A
// non-positive interval disables periodic triggering.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if _, err := s.Engine.Reconcile(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go s.loop(runCtx)
	if s.Interval > 0 {
		s.Logger.Info("periodic ingestion enabled", "interval", s.Interval.String())
		s.tick(runCtx)
	} else {
		s.Logger.Info("periodic ingestion disabled; waiting for triggers")
	}
	return nil
}

// Stop cancels the runner and waits for it to exit. An in-flight run is
// cancelled and concluded as failed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
}

// Trigger schedules a task on demand and wakes the runner. It never waits
// for the run.
func (s *Scheduler) Trigger(ctx context.Context) (engine.TriggerResult, error) {
	res, err := s.Engine.Trigger(ctx)
	if err != nil {
		return res, err
	}
	s.Wake()
	return res, nil
}

// Wake asks the runner to drain scheduled tasks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	var ticks <-chan time.Time
	if s.Interval > 0 {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.tick(ctx)
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.Logger.Debug("periodic trigger", "at", time.Now().UTC().Format(time.RFC3339))
	if _, err := s.Engine.Schedule(ctx); err != nil {
		s.Logger.Error("periodic schedule failed", "err", err)
		return
	}
	s.Wake()
}

func (s *Scheduler) drain(ctx context.Context) {
	done, err := s.Engine.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.Logger.Error("drain stopped", "err", err)
	}
	for _, t := range done {
		s.Logger.Debug("task concluded", "task", t.ID, "status", t.Status)
	}
}
