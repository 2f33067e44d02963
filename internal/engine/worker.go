package engine

import (
	"context"
	"log/slog"
	"time"

	"basketry/internal/logging"
)

// Worker polls a workspace's queue and processes claimed items until
// its context is cancelled. One worker per workspace is enforced by a
// file lock taken by the caller before Run.
type Worker struct {
	Engine      Engine
	WorkspaceID string
	WorkerID    string
	BatchSize   int
	Interval    time.Duration
	Logger      *slog.Logger

	// Maintenance intervals; orphan recovery runs every pass when zero.
	lastCleanup time.Time
}

// Run loops until ctx is done. Each pass recovers orphans, claims a
// batch and processes it. Item failures are logged and left to the
// retry machinery; only store-level errors end a pass early.
func (w *Worker) Run(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = logging.Discard()
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.Logger.Error("worker pass failed", "workspace_id", w.WorkspaceID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) pass(ctx context.Context) error {
	recovered, err := w.Engine.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.Logger.Info("recovered orphaned work", "count", recovered)
	}
	if time.Since(w.lastCleanup) > time.Hour {
		pruned, err := w.Engine.CleanupOldWork(ctx)
		if err != nil {
			return err
		}
		if pruned > 0 {
			w.Logger.Info("pruned completed work", "count", pruned)
		}
		w.lastCleanup = time.Now()
	}

	batch, err := w.Engine.Claim(ctx, w.WorkspaceID, w.WorkerID, w.BatchSize)
	if err != nil {
		return err
	}
	for _, item := range batch {
		if err := w.Engine.ProcessItem(ctx, item); err != nil {
			w.Logger.Warn("work item failed",
				"work_id", item.ID,
				"work_type", item.WorkType,
				"error", err)
			continue
		}
		w.Logger.Info("work item completed", "work_id", item.ID, "work_type", item.WorkType)
	}
	return nil
}
