package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"basketry/internal/cascade"
	"basketry/internal/domain"
	"basketry/internal/events"
	"basketry/internal/ops"
	"basketry/internal/queue"
	"basketry/internal/substrate"
)

// ExecutionError reports the operation that stopped a fail-fast run.
type ExecutionError struct {
	ProposalID string
	Index      int
	Operation  ops.Type
	Cause      error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("proposal %s: operation %d (%s) failed: %v", e.ProposalID, e.Index, e.Operation, e.Cause)
}

func (e ExecutionError) Unwrap() error { return e.Cause }

// ExecutionSummary is the outcome of one execution attempt.
type ExecutionSummary struct {
	ProposalID         string                     `json:"proposal_id"`
	Status             domain.ProposalStatus      `json:"status"`
	CommitID           string                     `json:"commit_id,omitempty"`
	OperationsExecuted int                        `json:"operations_executed"`
	Log                []domain.ExecutionLogEntry `json:"log"`
	Cascades           []cascade.Result           `json:"cascades,omitempty"`
}

// CreateProposal persists an operation batch for review. Submission
// validation has already run by the time work reaches this point, but
// direct callers get the same checks.
func (e Engine) CreateProposal(ctx context.Context, workspaceID, basketID string, kind domain.WorkType, operations []ops.Operation, actorID string) (domain.Proposal, error) {
	if len(operations) == 0 {
		return domain.Proposal{}, invalidf("at least one operation is required")
	}
	opsJSON, err := ops.EncodeList(operations)
	if err != nil {
		return domain.Proposal{}, err
	}
	p := domain.Proposal{
		ID:          e.newID(),
		BasketID:    basketID,
		WorkspaceID: workspaceID,
		Kind:        string(kind),
		OpsJSON:     opsJSON,
		Status:      domain.ProposalProposed,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proposal.created", workspaceID, "proposal", p.ID, actorID, events.EventPayload{
		"basket_id": basketID, "kind": p.Kind, "operations": len(operations),
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// ExecuteProposal runs a proposal's operations in order, fail fast.
// Every attempted operation leaves an audit row committed alongside its
// mutation, so a crash mid-batch loses nothing already done. Full
// success stamps a commit id and approves the proposal; any failure
// rejects it with the partial log intact.
func (e Engine) ExecuteProposal(ctx context.Context, workspaceID, proposalID, actorID string, notes *string) (ExecutionSummary, error) {
	summary := ExecutionSummary{ProposalID: proposalID}
	p, err := e.Repo.GetProposal(ctx, workspaceID, proposalID)
	if err != nil {
		return summary, err
	}
	if p.IsExecuted {
		return summary, ErrAlreadyExecuted
	}
	if p.Status != domain.ProposalProposed && p.Status != domain.ProposalUnderReview {
		return summary, StateError{Status: p.Status}
	}
	operations, err := ops.DecodeList([]byte(p.OpsJSON))
	if err != nil {
		return summary, err
	}

	scope := substrate.Scope{WorkspaceID: workspaceID, BasketID: p.BasketID, ActorID: actorID}
	outcome := cascade.Commit{
		WorkspaceID: workspaceID,
		BasketID:    p.BasketID,
		UserID:      actorID,
		ProposalID:  proposalID,
		WorkType:    domain.WorkType(p.Kind),
	}

	for i, op := range operations {
		entry, opErr := e.executeOne(ctx, scope, p.ID, i, op)
		summary.Log = append(summary.Log, entry)
		if opErr != nil {
			execErr := ExecutionError{ProposalID: p.ID, Index: i, Operation: op.Type, Cause: opErr}
			if err := e.finalizeRejected(ctx, workspaceID, p.ID, actorID, execErr.Error()); err != nil {
				return summary, err
			}
			summary.Status = domain.ProposalRejected
			return summary, execErr
		}
		summary.OperationsExecuted++
		recordOutcome(&outcome, op, entry)
	}

	commitID := e.newID()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return summary, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkExecuted(ctx, tx, p.ID, domain.ProposalApproved, &commitID, &actorID, notes, e.stamp()); err != nil {
		return summary, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.approved", workspaceID, "proposal", p.ID, actorID, events.EventPayload{
		"commit_id": commitID, "operations_executed": summary.OperationsExecuted,
	}); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, err
	}
	summary.Status = domain.ProposalApproved
	summary.CommitID = commitID
	outcome.CommitID = commitID

	if e.Cascades != nil {
		summary.Cascades = e.Cascades.Dispatch(ctx, outcome)
	}
	return summary, nil
}

// executeOne applies a single operation in its own transaction with its
// audit row. A failed operation rolls back its mutation but still gets
// an audit row committed separately.
func (e Engine) executeOne(ctx context.Context, scope substrate.Scope, proposalID string, index int, op ops.Operation) (domain.ExecutionLogEntry, error) {
	entry := domain.ExecutionLogEntry{
		ProposalID:     proposalID,
		OperationIndex: index,
		OperationType:  string(op.Type),
	}
	started := time.Now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()

	result, opErr := e.Substrate.Apply(ctx, tx, scope, op)
	entry.ExecutionTimeMS = time.Since(started).Milliseconds()
	if opErr != nil {
		tx.Rollback()
		message := opErr.Error()
		entry.ErrorMessage = &message
		if auditErr := e.appendAuditRow(ctx, entry); auditErr != nil {
			return entry, auditErr
		}
		return entry, opErr
	}

	entry.Success = true
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return entry, err
	}
	s := string(resultJSON)
	entry.ResultJSON = &s
	if err := e.Repo.AppendExecutionLogTx(ctx, tx, entry, e.stamp()); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

func (e Engine) appendAuditRow(ctx context.Context, entry domain.ExecutionLogEntry) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AppendExecutionLogTx(ctx, tx, entry, e.stamp()); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finalizeRejected(ctx context.Context, workspaceID, proposalID, actorID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkRejected(ctx, tx, proposalID, &actorID, &reason, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.rejected", workspaceID, "proposal", proposalID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recordOutcome accumulates what a successful operation produced, for
// cascade dispatch after commit.
func recordOutcome(outcome *cascade.Commit, op ops.Operation, entry domain.ExecutionLogEntry) {
	switch op.Type {
	case ops.CreateBlock:
		outcome.CreatedBlocks++
		outcome.NewSubstrate = true
		if entry.ResultJSON != nil {
			var r ops.Result
			if json.Unmarshal([]byte(*entry.ResultJSON), &r) == nil && r.CreatedID != "" {
				outcome.CreatedBlockIDs = append(outcome.CreatedBlockIDs, r.CreatedID)
				outcome.TouchedBlockIDs = append(outcome.TouchedBlockIDs, r.CreatedID)
			}
		}
	case ops.CreateContextItems:
		outcome.CreatedContextItem++
		outcome.NewSubstrate = true
	case ops.CreateRawDump, ops.CreateTimelineEvent, ops.CreateRelationship:
		outcome.NewSubstrate = true
	case ops.UpdateBlock, ops.MergeBlocks, ops.PromoteScope, ops.DeleteBlock:
		if entry.ResultJSON != nil {
			var r ops.Result
			if json.Unmarshal([]byte(*entry.ResultJSON), &r) == nil && r.UpdatedID != "" {
				outcome.TouchedBlockIDs = append(outcome.TouchedBlockIDs, r.UpdatedID)
			}
		}
	}
}

// ApproveProposal is review-time execution: approval and execution are
// the same act.
func (e Engine) ApproveProposal(ctx context.Context, workspaceID, proposalID, reviewerID string, notes *string) (ExecutionSummary, error) {
	return e.ExecuteProposal(ctx, workspaceID, proposalID, reviewerID, notes)
}

// RejectProposal closes a proposal without executing it. Rejecting an
// already rejected proposal is a no-op.
func (e Engine) RejectProposal(ctx context.Context, workspaceID, proposalID, reviewerID string, notes *string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, workspaceID, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.IsExecuted {
		return domain.Proposal{}, ErrAlreadyExecuted
	}
	if p.Status == domain.ProposalRejected {
		return p, nil
	}
	if err := e.finalizeRejectedWithNotes(ctx, workspaceID, proposalID, reviewerID, notes); err != nil {
		return domain.Proposal{}, err
	}
	return e.Repo.GetProposal(ctx, workspaceID, proposalID)
}

func (e Engine) finalizeRejectedWithNotes(ctx context.Context, workspaceID, proposalID, reviewerID string, notes *string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkRejected(ctx, tx, proposalID, &reviewerID, notes, e.stamp()); err != nil {
		return err
	}
	payload := events.EventPayload{}
	if notes != nil {
		payload["notes"] = *notes
	}
	if err := e.Events.Append(ctx, tx, "proposal.rejected", workspaceID, "proposal", proposalID, reviewerID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// confidence threshold for routing mode
const autoExecuteConfidence = 0.7

// ProcessItem runs one claimed work item end to end: it creates the
// proposal and, depending on execution mode, executes it immediately or
// leaves it for review. Infrastructure failures hand the item to the
// retry path; an execution failure is terminal, since the rejected
// proposal kept whatever prefix already committed and a retried run
// would apply it again.
func (e Engine) ProcessItem(ctx context.Context, item domain.WorkItem) error {
	if item.ProcessingState != domain.StateClaimed {
		return queue.InvalidTransitionError{From: item.ProcessingState, To: domain.StateRunning}
	}
	if err := e.Queue.Transition(ctx, item.WorkspaceID, item.ID, domain.StateClaimed, domain.StateRunning); err != nil {
		return err
	}
	if err := e.processRunning(ctx, item); err != nil {
		var execErr ExecutionError
		if errors.As(err, &execErr) {
			if failErr := e.Queue.MarkFailed(ctx, item.WorkspaceID, item.ID, err); failErr != nil {
				return failErr
			}
		} else if retryErr := e.Queue.MarkForRetry(ctx, item.WorkspaceID, item.ID, err); retryErr != nil {
			return retryErr
		}
		if evtErr := e.appendEvent(ctx, "work.failed", item.WorkspaceID, "work_item", item.ID, item.UserID, events.EventPayload{
			"error": err.Error(),
		}); evtErr != nil {
			return evtErr
		}
		return err
	}
	if err := e.Queue.Transition(ctx, item.WorkspaceID, item.ID, domain.StateRunning, domain.StateCompleted); err != nil {
		return err
	}
	return e.appendEvent(ctx, "work.completed", item.WorkspaceID, "work_item", item.ID, item.UserID, nil)
}

func (e Engine) processRunning(ctx context.Context, item domain.WorkItem) error {
	batch, err := ops.DecodeBatch(item.PayloadJSON)
	if err != nil {
		return err
	}
	p, err := e.CreateProposal(ctx, item.WorkspaceID, batch.BasketID, item.WorkType, batch.Operations, item.UserID)
	if err != nil {
		return err
	}
	if !e.shouldAutoExecute(item, batch.Operations) {
		return nil
	}
	if _, err := e.ExecuteProposal(ctx, item.WorkspaceID, p.ID, item.UserID, nil); err != nil {
		return err
	}
	return nil
}

// shouldAutoExecute decides whether a processed item executes its
// proposal immediately. Confidence routing executes only when every
// block in the batch clears the confidence bar; anything below it waits
// for human review.
func (e Engine) shouldAutoExecute(item domain.WorkItem, operations []ops.Operation) bool {
	switch item.ExecutionMode {
	case domain.ModeAutoExecute:
		return true
	case domain.ModeCreateProposal:
		return false
	case domain.ModeConfidenceRouting:
		if item.UserOverride == cascade.AllowAuto {
			return true
		}
		for _, op := range operations {
			if op.Type != ops.CreateBlock {
				continue
			}
			var d ops.CreateBlockData
			if err := json.Unmarshal(op.Data, &d); err != nil {
				return false
			}
			if d.Confidence != nil && *d.Confidence < autoExecuteConfidence {
				return false
			}
		}
		return true
	}
	return false
}
