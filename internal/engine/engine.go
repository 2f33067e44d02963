// Package engine implements work submission, queue lifecycle and
// proposal review over the stores. It owns every rule the HTTP layer
// and the CLI share.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"basketry/internal/cascade"
	"basketry/internal/config"
	"basketry/internal/domain"
	"basketry/internal/events"
	"basketry/internal/ops"
	"basketry/internal/policy"
	"basketry/internal/queue"
	"basketry/internal/repo"
	"basketry/internal/substrate"
)

// ErrAlreadyExecuted rejects any second execution attempt against a
// proposal that already ran.
var ErrAlreadyExecuted = errors.New("proposal already executed")

// ValidationError marks a submission the caller must fix.
type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StateError reports a review action against a proposal whose status
// does not admit it.
type StateError struct {
	Status domain.ProposalStatus
}

func (e StateError) Error() string {
	return fmt.Sprintf("proposal status %s does not allow this action", e.Status)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Queue     *queue.Store
	Substrate substrate.Store
	Events    events.Writer
	Cascades  *cascade.Dispatcher
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	q := queue.NewStore(db)
	q.BatchCeiling = cfg.Queue.BatchCeiling
	q.BackoffBase = time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Queue:     q,
		Substrate: substrate.NewStore(db),
		Events:    events.Writer{DB: db},
		Cascades:  cascade.NewDispatcher(db, cfg, logger),
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateBasket registers a basket in a workspace.
func (e Engine) CreateBasket(ctx context.Context, workspaceID, name, actorID string) (domain.Basket, error) {
	if workspaceID == "" {
		return domain.Basket{}, invalidf("workspace is required")
	}
	if name == "" {
		return domain.Basket{}, invalidf("basket name is required")
	}
	b := domain.Basket{
		ID:          e.newID(),
		WorkspaceID: workspaceID,
		Name:        name,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Basket{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBasketTx(ctx, tx, b); err != nil {
		return domain.Basket{}, fmt.Errorf("insert basket: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "basket.created", workspaceID, "basket", b.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Basket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Basket{}, err
	}
	return b, nil
}

// SubmitOptions are parameters for submitting work.
type SubmitOptions struct {
	WorkspaceID   string
	UserID        string
	WorkType      domain.WorkType
	BasketID      string
	Operations    []ops.Operation
	Priority      domain.Priority
	ExecutionMode domain.ExecutionMode
	UserOverride  string
}

// SubmitWork validates a submission against the operation schemas and
// the work-type policy, then enqueues it. Work submitted in auto-execute
// mode enters the queue already claimed and is processed inline before
// SubmitWork returns.
func (e Engine) SubmitWork(ctx context.Context, opts SubmitOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if opts.WorkspaceID == "" {
		return domain.WorkItem{}, invalidf("workspace is required")
	}
	if opts.UserID == "" {
		return domain.WorkItem{}, invalidf("user is required")
	}
	if !validWorkType(opts.WorkType) {
		return domain.WorkItem{}, invalidf("unknown work type %q", opts.WorkType)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !queue.ValidPriority(opts.Priority) {
		return domain.WorkItem{}, invalidf("unknown priority %q", opts.Priority)
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = domain.ModeCreateProposal
	}
	if !validExecutionMode(opts.ExecutionMode) {
		return domain.WorkItem{}, invalidf("unknown execution mode %q", opts.ExecutionMode)
	}
	if opts.BasketID == "" {
		return domain.WorkItem{}, invalidf("basket is required")
	}
	if len(opts.Operations) == 0 {
		return domain.WorkItem{}, invalidf("at least one operation is required")
	}
	if _, err := e.Repo.GetBasket(ctx, opts.WorkspaceID, opts.BasketID); err != nil {
		return domain.WorkItem{}, err
	}
	for i, op := range opts.Operations {
		if err := ops.Validate(op); err != nil {
			return domain.WorkItem{}, invalidf("operation %d: %v", i, err)
		}
	}
	if err := policy.Validate(opts.WorkType, opts.Operations); err != nil {
		return domain.WorkItem{}, err
	}

	payload, err := ops.EncodeBatch(ops.Batch{BasketID: opts.BasketID, Operations: opts.Operations})
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.stamp()
	item := domain.WorkItem{
		ID:              e.newID(),
		WorkType:        opts.WorkType,
		PayloadJSON:     payload,
		WorkspaceID:     opts.WorkspaceID,
		UserID:          opts.UserID,
		Priority:        opts.Priority,
		ProcessingState: domain.StatePending,
		ExecutionMode:   opts.ExecutionMode,
		MaxRetries:      e.Config.Queue.MaxRetries,
		UserOverride:    opts.UserOverride,
		CreatedAt:       now,
	}
	if opts.ExecutionMode == domain.ModeAutoExecute {
		item.ProcessingState = domain.StateClaimed
		item.ClaimedAt = &now
	}
	if err := e.Queue.Insert(ctx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.appendEvent(ctx, "work.submitted", opts.WorkspaceID, "work_item", item.ID, opts.UserID, events.EventPayload{
		"work_type": string(opts.WorkType), "execution_mode": string(opts.ExecutionMode), "operations": len(opts.Operations),
	}); err != nil {
		return domain.WorkItem{}, err
	}

	if opts.ExecutionMode == domain.ModeAutoExecute {
		if err := e.ProcessItem(ctx, item); err != nil {
			// the item is already parked as failed or pending-for-retry
			if e.Logger != nil {
				e.Logger.Warn("auto-execute processing failed", "work_id", item.ID, "error", err)
			}
		}
	}
	return e.Queue.Get(ctx, opts.WorkspaceID, item.ID)
}

// Claim moves up to limit eligible pending items to claimed for a
// worker. Items lost to a concurrent claimant are skipped, not errors.
func (e Engine) Claim(ctx context.Context, workspaceID, workerID string, limit int) ([]domain.WorkItem, error) {
	batch, err := e.Queue.NextBatch(ctx, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	var claimed []domain.WorkItem
	for _, it := range batch {
		err := e.Queue.Transition(ctx, workspaceID, it.ID, domain.StatePending, domain.StateClaimed)
		var invalid queue.InvalidTransitionError
		if errors.As(err, &invalid) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		if err := e.appendEvent(ctx, "work.claimed", workspaceID, "work_item", it.ID, workerID, events.EventPayload{
			"worker_id": workerID,
		}); err != nil {
			return claimed, err
		}
		current, err := e.Queue.Get(ctx, workspaceID, it.ID)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, current)
	}
	return claimed, nil
}

// RetryFailed puts a non-permanent failed item back into processing by
// claiming it for the caller.
func (e Engine) RetryFailed(ctx context.Context, workspaceID, id, actorID string) (domain.WorkItem, error) {
	it, err := e.Queue.Get(ctx, workspaceID, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if it.PermanentFailure {
		return domain.WorkItem{}, invalidf("work item %s failed permanently", id)
	}
	if err := e.Queue.Transition(ctx, workspaceID, id, domain.StateFailed, domain.StateClaimed); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.appendEvent(ctx, "work.retried", workspaceID, "work_item", id, actorID, nil); err != nil {
		return domain.WorkItem{}, err
	}
	return e.Queue.Get(ctx, workspaceID, id)
}

// WorkspaceStatus summarizes a workspace's queue and review load.
type WorkspaceStatus struct {
	WorkspaceID string                         `json:"workspace_id"`
	Queue       map[domain.ProcessingState]int `json:"queue"`
	Proposals   map[domain.ProposalStatus]int  `json:"proposals"`
	Baskets     int                            `json:"baskets"`
}

func (e Engine) Status(ctx context.Context, workspaceID string) (WorkspaceStatus, error) {
	st := WorkspaceStatus{WorkspaceID: workspaceID}
	var err error
	st.Queue, err = e.Queue.CountByState(ctx, workspaceID)
	if err != nil {
		return st, err
	}
	st.Proposals = map[domain.ProposalStatus]int{}
	rows, err := e.DB.QueryContext(ctx, `SELECT status, count(*) FROM proposals WHERE workspace_id=? GROUP BY status`, workspaceID)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.ProposalStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, err
		}
		st.Proposals[status] = count
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = e.DB.QueryRowContext(ctx, `SELECT count(*) FROM baskets WHERE workspace_id=?`, workspaceID).Scan(&st.Baskets)
	return st, err
}

// RecoverOrphans requeues items stuck in claimed or running beyond the
// configured stale window.
func (e Engine) RecoverOrphans(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-time.Duration(e.Config.Queue.StaleAfterMins) * time.Minute)
	return e.Queue.RecoverOrphans(ctx, cutoff)
}

// CleanupOldWork prunes completed items past the retention window.
func (e Engine) CleanupOldWork(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-time.Duration(e.Config.Queue.RetentionHours) * time.Hour)
	return e.Queue.CleanupOldWork(ctx, cutoff)
}

func (e Engine) appendEvent(ctx context.Context, evtType, workspaceID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, workspaceID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func validWorkType(t domain.WorkType) bool {
	for _, known := range domain.WorkTypes {
		if known == t {
			return true
		}
	}
	return false
}

func validExecutionMode(m domain.ExecutionMode) bool {
	switch m {
	case domain.ModeAutoExecute, domain.ModeCreateProposal, domain.ModeConfidenceRouting:
		return true
	}
	return false
}
