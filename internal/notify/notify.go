// Package notify delivers failure notifications for sync tasks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Failure describes an aborted sync task.
type Failure struct {
	Environment string    `json:"environment"`
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind,omitempty"`
	File        string    `json:"file,omitempty"`
	Detail      string    `json:"detail"`
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	At          time.Time `json:"at"`
}

// Subject is a one-line summary of f.
func (f Failure) Subject() string {
	return fmt.Sprintf("[%s] delta sync task %s failed", f.Environment, f.TaskID)
}

// Body is a human-readable description of f.
func (f Failure) Body() string {
	body := fmt.Sprintf("Environment: %s\nTask: %s\nConsumed until: %s\n", f.Environment, f.TaskID, f.Until.UTC().Format(time.RFC3339))
	if f.File != "" {
		body += fmt.Sprintf("Failed file: %s\n", f.File)
	}
	return body + "\n" + f.Detail + "\n"
}

type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, f Failure) error

func (fn Func) Notify(ctx context.Context, f Failure) error { return fn(ctx, f) }

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Failure) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, f Failure) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send delivers f and only logs a delivery error.
func Send(ctx context.Context, n Notifier, f Failure, logger *slog.Logger) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := n.Notify(ctx, f); err != nil {
		logger.Warn("failure notification not delivered", "task", f.TaskID, "err", err)
	}
}
