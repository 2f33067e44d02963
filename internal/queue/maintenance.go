package queue

import (
	"context"
	"fmt"
	"time"

	"basketry/internal/domain"
)

// MarkForRetry records a processing failure. The retry budget exhausted
// means a terminal failed state with permanent_failure set; otherwise the
// item returns to pending with an exponential backoff (2^n seconds for the
// n-th retry) and its claim stamps cleared.
func (s *Store) MarkForRetry(ctx context.Context, workspaceID, id string, cause error) error {
	it, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if it.ProcessingState != domain.StateClaimed && it.ProcessingState != domain.StateRunning {
		return InvalidTransitionError{From: it.ProcessingState, To: domain.StatePending}
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	newCount := it.RetryCount + 1
	now := s.now().UTC()

	if newCount > it.MaxRetries {
		res, err := s.DB.ExecContext(ctx, `UPDATE work_queue
SET processing_state=?, retry_count=?, last_error=?, permanent_failure=1
WHERE id=? AND workspace_id=? AND processing_state=?`,
			domain.StateFailed, newCount, message, id, workspaceID, it.ProcessingState)
		if err != nil {
			return fmt.Errorf("mark permanent failure: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}

	base := s.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	retryAfter := now.Add(base << (newCount - 1)).Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE work_queue
SET processing_state=?, retry_count=?, retry_after=?, last_error=?, claimed_at=NULL, started_at=NULL
WHERE id=? AND workspace_id=? AND processing_state=?`,
		domain.StatePending, newCount, retryAfter, message, id, workspaceID, it.ProcessingState)
	if err != nil {
		return fmt.Errorf("mark for retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a running item straight to failed with
// permanent_failure set, bypassing the retry budget. Execution failures
// land here: the batch already rejected its proposal, and a retry would
// replay the committed prefix.
func (s *Store) MarkFailed(ctx context.Context, workspaceID, id string, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE work_queue
SET processing_state=?, last_error=?, permanent_failure=1
WHERE id=? AND workspace_id=? AND processing_state=?`,
		domain.StateFailed, message, id, workspaceID, domain.StateRunning)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, getErr := s.Get(ctx, workspaceID, id)
		if getErr != nil {
			return getErr
		}
		return InvalidTransitionError{From: current.ProcessingState, To: domain.StateFailed}
	}
	return nil
}

// RecoverOrphans flips items stuck in claimed or running past the cutoff
// back to pending with their claim stamps cleared. This handles worker
// crashes without external heartbeats.
func (s *Store) RecoverOrphans(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE work_queue
SET processing_state=?, claimed_at=NULL, started_at=NULL
WHERE (processing_state=? AND claimed_at IS NOT NULL AND claimed_at<?)
   OR (processing_state=? AND started_at IS NOT NULL AND started_at<?)`,
		domain.StatePending,
		domain.StateClaimed, mark,
		domain.StateRunning, mark)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOldWork deletes completed items older than the cutoff. Failed
// items are never deleted; they are the audit trail.
func (s *Store) CleanupOldWork(ctx context.Context, cutoff time.Time) (int64, error) {
	mark := cutoff.UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `DELETE FROM work_queue
WHERE processing_state=? AND completed_at IS NOT NULL AND completed_at<?`,
		domain.StateCompleted, mark)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed work: %w", err)
	}
	return res.RowsAffected()
}
