package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"basketry/internal/domain"
)

// Store is the work item store adapter over the work_queue table.
type Store struct {
	DB  *sql.DB
	Now func() time.Time

	// BatchCeiling caps NextBatch regardless of the requested limit.
	BatchCeiling int
	// BackoffBase is the unit for exponential retry backoff.
	BackoffBase time.Duration
}

// NewStore builds a Store with the default ceiling (20) and backoff base
// (2s, doubling per retry: the n-th retry waits 2^n seconds).
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:           db,
		Now:          time.Now,
		BatchCeiling: 20,
		BackoffBase:  2 * time.Second,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const itemColumns = `id, work_type, payload_json, workspace_id, user_id, priority,
processing_state, execution_mode, retry_count, max_retries, retry_after,
last_error, permanent_failure, user_override, created_at, claimed_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var retryAfter, lastError, userOverride, claimedAt, startedAt, completedAt sql.NullString
	var permanent int
	err := row.Scan(&it.ID, &it.WorkType, &it.PayloadJSON, &it.WorkspaceID, &it.UserID,
		&it.Priority, &it.ProcessingState, &it.ExecutionMode, &it.RetryCount, &it.MaxRetries,
		&retryAfter, &lastError, &permanent, &userOverride, &it.CreatedAt, &claimedAt, &startedAt, &completedAt)
	if err != nil {
		return it, err
	}
	it.PermanentFailure = permanent != 0
	if retryAfter.Valid {
		it.RetryAfter = &retryAfter.String
	}
	if lastError.Valid {
		it.LastError = &lastError.String
	}
	if userOverride.Valid {
		it.UserOverride = userOverride.String
	}
	if claimedAt.Valid {
		it.ClaimedAt = &claimedAt.String
	}
	if startedAt.Valid {
		it.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	return it, nil
}

// Insert persists a new work item.
func (s *Store) Insert(ctx context.Context, it domain.WorkItem) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO work_queue(
id, work_type, payload_json, workspace_id, user_id, priority,
processing_state, execution_mode, retry_count, max_retries, retry_after,
last_error, permanent_failure, user_override, created_at, claimed_at, started_at, completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.WorkType, it.PayloadJSON, it.WorkspaceID, it.UserID, it.Priority,
		it.ProcessingState, it.ExecutionMode, it.RetryCount, it.MaxRetries,
		nullableStringPtr(it.RetryAfter), nullableStringPtr(it.LastError),
		boolToInt(it.PermanentFailure), nullable(it.UserOverride),
		it.CreatedAt, nullableStringPtr(it.ClaimedAt), nullableStringPtr(it.StartedAt), nullableStringPtr(it.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

// Get fetches one item scoped to a workspace.
func (s *Store) Get(ctx context.Context, workspaceID, id string) (domain.WorkItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_queue WHERE id=? AND workspace_id=?`, id, workspaceID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, fmt.Errorf("get work item: %w", err)
	}
	return it, nil
}

// Transition applies from -> to, stamping the entry timestamp for the new
// state. The UPDATE is conditional on the stored state still being from;
// losing a race surfaces as an InvalidTransitionError against the actual
// stored state.
func (s *Store) Transition(ctx context.Context, workspaceID, id string, from, to domain.ProcessingState) error {
	if !CanTransition(from, to) {
		return InvalidTransitionError{From: from, To: to}
	}
	now := s.now().UTC().Format(time.RFC3339)

	set := []string{"processing_state=?"}
	args := []any{to}
	switch to {
	case domain.StateClaimed:
		set = append(set, "claimed_at=?")
		args = append(args, now)
	case domain.StateRunning:
		set = append(set, "started_at=?")
		args = append(args, now)
	case domain.StateCompleted:
		set = append(set, "completed_at=?")
		args = append(args, now)
	}
	args = append(args, id, workspaceID, from)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE work_queue SET `+strings.Join(set, ", ")+` WHERE id=? AND workspace_id=? AND processing_state=?`,
		args...)
	if err != nil {
		return fmt.Errorf("transition work item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, workspaceID, id)
		if getErr != nil {
			return getErr
		}
		return InvalidTransitionError{From: current.ProcessingState, To: to}
	}
	return nil
}

// SetLastError records a handler error without changing state.
func (s *Store) SetLastError(ctx context.Context, workspaceID, id, message string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE work_queue SET last_error=? WHERE id=? AND workspace_id=?`, message, id, workspaceID)
	return err
}

// Filters narrows List results.
type Filters struct {
	WorkspaceID string
	State       domain.ProcessingState
	WorkType    domain.WorkType
	Limit       int
}

// List returns work items for a workspace, newest first.
func (s *Store) List(ctx context.Context, f Filters) ([]domain.WorkItem, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	if f.State != "" {
		clauses = append(clauses, "processing_state=?")
		args = append(args, f.State)
	}
	if f.WorkType != "" {
		clauses = append(clauses, "work_type=?")
		args = append(args, f.WorkType)
	}
	query := `SELECT ` + itemColumns + ` FROM work_queue WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// CountByState aggregates a workspace's queue by processing state.
func (s *Store) CountByState(ctx context.Context, workspaceID string) (map[domain.ProcessingState]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT processing_state, count(*) FROM work_queue WHERE workspace_id=? GROUP BY processing_state`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ProcessingState]int{}
	for rows.Next() {
		var state domain.ProcessingState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
