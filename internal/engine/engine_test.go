package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"basketry/internal/config"
	"basketry/internal/db"
	"basketry/internal/domain"
	"basketry/internal/engine"
	"basketry/internal/logging"
	"basketry/internal/migrate"
	"basketry/internal/ops"
	"basketry/internal/policy"
	"basketry/internal/repo"
)

func newTestEnv(t *testing.T, cfg *config.Config) (engine.Engine, domain.Basket) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg, logging.Discard())
	basket, err := eng.CreateBasket(context.Background(), "ws-1", "inbox", "alice")
	if err != nil {
		t.Fatalf("create basket: %v", err)
	}
	return eng, basket
}

func mustOp(t *testing.T, kind ops.Type, data any) ops.Operation {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return ops.Operation{Type: kind, Data: raw}
}

func blockOp(t *testing.T, content string) ops.Operation {
	return mustOp(t, ops.CreateBlock, ops.CreateBlockData{Content: content})
}

func submitOpts(basket domain.Basket, workType domain.WorkType, mode domain.ExecutionMode, operations ...ops.Operation) engine.SubmitOptions {
	return engine.SubmitOptions{
		WorkspaceID:   basket.WorkspaceID,
		UserID:        "alice",
		WorkType:      workType,
		BasketID:      basket.ID,
		Operations:    operations,
		ExecutionMode: mode,
	}
}

func onlyProposal(t *testing.T, eng engine.Engine, basket domain.Basket) domain.Proposal {
	t.Helper()
	proposals, err := eng.Repo.ListProposals(context.Background(), repo.ProposalFilters{
		WorkspaceID: basket.WorkspaceID, BasketID: basket.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one proposal, got %d", len(proposals))
	}
	return proposals[0]
}

// claims and processes every pending item for the basket's workspace
func drainQueue(t *testing.T, eng engine.Engine, workspaceID string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := eng.Claim(ctx, workspaceID, "test-worker", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, item := range claimed {
		if err := eng.ProcessItem(ctx, item); err != nil {
			t.Fatalf("process %s: %v", item.ID, err)
		}
	}
}

func countRows(t *testing.T, eng engine.Engine, query string, args ...any) int {
	t.Helper()
	var n int
	if err := eng.DB.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSubmitWorkValidation(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		opts engine.SubmitOptions
	}{
		{"missing workspace", engine.SubmitOptions{UserID: "alice", WorkType: domain.WorkSubstrate, BasketID: basket.ID, Operations: []ops.Operation{blockOp(t, "x")}}},
		{"missing user", engine.SubmitOptions{WorkspaceID: "ws-1", WorkType: domain.WorkSubstrate, BasketID: basket.ID, Operations: []ops.Operation{blockOp(t, "x")}}},
		{"unknown work type", submitOpts(basket, "SORCERY", "", blockOp(t, "x"))},
		{"unknown priority", func() engine.SubmitOptions {
			o := submitOpts(basket, domain.WorkSubstrate, "", blockOp(t, "x"))
			o.Priority = "whenever"
			return o
		}()},
		{"unknown execution mode", submitOpts(basket, domain.WorkSubstrate, "yolo", blockOp(t, "x"))},
		{"missing basket", engine.SubmitOptions{WorkspaceID: "ws-1", UserID: "alice", WorkType: domain.WorkSubstrate, Operations: []ops.Operation{blockOp(t, "x")}}},
		{"no operations", submitOpts(basket, domain.WorkSubstrate, "")},
		{"invalid operation", submitOpts(basket, domain.WorkSubstrate, "", mustOp(t, ops.CreateBlock, ops.CreateBlockData{}))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.SubmitWork(ctx, tc.opts)
			var verr engine.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	opts := submitOpts(basket, domain.WorkSubstrate, "", blockOp(t, "x"))
	opts.BasketID = "no-such-basket"
	if _, err := eng.SubmitWork(ctx, opts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown basket should be not found, got %v", err)
	}
}

func TestSubmitWorkEnforcesPolicy(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	_, err := eng.SubmitWork(context.Background(), submitOpts(basket, domain.WorkCapture, "", blockOp(t, "x")))
	var violation policy.ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	if violation.WorkType != domain.WorkCapture || violation.Operation != ops.CreateBlock {
		t.Fatalf("unexpected violation detail: %+v", violation)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM work_queue`); n != 0 {
		t.Fatalf("rejected submission must not enqueue, got %d items", n)
	}
}

func TestAutoExecuteEndToEnd(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	item, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeAutoExecute,
		blockOp(t, "first fact"), blockOp(t, "second fact")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.ProcessingState != domain.StateCompleted {
		t.Fatalf("auto-executed item should be completed, got %s", item.ProcessingState)
	}
	if item.ClaimedAt == nil || item.StartedAt == nil || item.CompletedAt == nil {
		t.Fatalf("lifecycle stamps missing: %+v", item)
	}

	p := onlyProposal(t, eng, basket)
	if p.Status != domain.ProposalApproved || !p.IsExecuted {
		t.Fatalf("proposal should be approved and executed, got %s executed=%v", p.Status, p.IsExecuted)
	}
	if p.CommitID == nil || *p.CommitID == "" {
		t.Fatal("approved proposal must carry a commit id")
	}

	log, err := eng.Repo.ListExecutionLog(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(log))
	}
	for _, entry := range log {
		if !entry.Success || entry.ResultJSON == nil {
			t.Fatalf("expected successful audit rows, got %+v", entry)
		}
	}

	if n := countRows(t, eng, `SELECT count(*) FROM blocks WHERE basket_id=?`, basket.ID); n != 2 {
		t.Fatalf("expected 2 blocks, got %d", n)
	}
	// two new blocks clears the reflection cascade threshold
	if n := countRows(t, eng, `SELECT count(*) FROM reflections WHERE basket_id=?`, basket.ID); n != 1 {
		t.Fatalf("expected reflection cascade to fire once, got %d reflections", n)
	}

	for _, evtType := range []string{"work.submitted", "work.completed", "proposal.created", "proposal.approved"} {
		if n := countRows(t, eng, `SELECT count(*) FROM events WHERE type=? AND workspace_id=?`, evtType, basket.WorkspaceID); n != 1 {
			t.Fatalf("expected one %s event, got %d", evtType, n)
		}
	}
}

func TestCreateProposalModeWaitsForReview(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	item, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a fact")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.ProcessingState != domain.StatePending {
		t.Fatalf("proposal-mode work should enter pending, got %s", item.ProcessingState)
	}

	drainQueue(t, eng, basket.WorkspaceID)

	current, err := eng.Queue.Get(ctx, basket.WorkspaceID, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.ProcessingState != domain.StateCompleted {
		t.Fatalf("processed item should complete, got %s", current.ProcessingState)
	}
	p := onlyProposal(t, eng, basket)
	if p.Status != domain.ProposalProposed || p.IsExecuted {
		t.Fatalf("proposal should wait for review, got %s executed=%v", p.Status, p.IsExecuted)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 0 {
		t.Fatalf("unreviewed proposal must not mutate substrate, got %d blocks", n)
	}
}

func TestApproveProposalExecutes(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a fact"))); err != nil {
		t.Fatal(err)
	}
	drainQueue(t, eng, basket.WorkspaceID)
	p := onlyProposal(t, eng, basket)

	notes := "looks right"
	summary, err := eng.ApproveProposal(ctx, basket.WorkspaceID, p.ID, "bob", &notes)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if summary.Status != domain.ProposalApproved || summary.CommitID == "" || summary.OperationsExecuted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 1 {
		t.Fatalf("approval should apply the batch, got %d blocks", n)
	}

	p = onlyProposal(t, eng, basket)
	if p.ReviewedBy == nil || *p.ReviewedBy != "bob" {
		t.Fatalf("expected reviewer recorded, got %+v", p.ReviewedBy)
	}
	if p.ReviewNotes == nil || *p.ReviewNotes != notes {
		t.Fatalf("expected review notes recorded, got %+v", p.ReviewNotes)
	}

	if _, err := eng.ApproveProposal(ctx, basket.WorkspaceID, p.ID, "bob", nil); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("second approval must fail, got %v", err)
	}
	if _, err := eng.RejectProposal(ctx, basket.WorkspaceID, p.ID, "bob", nil); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("rejecting executed proposal must fail, got %v", err)
	}
}

func TestExecutionFailsFastWithPartialAudit(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	missing := "never there"
	batch := submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal,
		blockOp(t, "lands"),
		mustOp(t, ops.UpdateBlock, ops.UpdateBlockData{BlockID: "ghost", Content: &missing}),
		blockOp(t, "never attempted"))
	if _, err := eng.SubmitWork(ctx, batch); err != nil {
		t.Fatal(err)
	}
	drainQueue(t, eng, basket.WorkspaceID)
	p := onlyProposal(t, eng, basket)

	summary, err := eng.ApproveProposal(ctx, basket.WorkspaceID, p.ID, "bob", nil)
	var execErr engine.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if execErr.Index != 1 || execErr.Operation != ops.UpdateBlock {
		t.Fatalf("expected failure at operation 1, got %+v", execErr)
	}
	if summary.Status != domain.ProposalRejected || summary.OperationsExecuted != 1 || len(summary.Log) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	log, err := eng.Repo.ListExecutionLog(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 {
		t.Fatalf("expected audit rows for both attempts, got %d", len(log))
	}
	if !log[0].Success {
		t.Fatalf("first operation should have committed: %+v", log[0])
	}
	if log[1].Success || log[1].ErrorMessage == nil {
		t.Fatalf("second operation should be recorded as failed: %+v", log[1])
	}

	// the committed prefix stays, the failed operation rolled back
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 1 {
		t.Fatalf("expected only the committed prefix, got %d blocks", n)
	}

	p = onlyProposal(t, eng, basket)
	if p.Status != domain.ProposalRejected || p.IsExecuted {
		t.Fatalf("failed execution should reject, got %s executed=%v", p.Status, p.IsExecuted)
	}
	// rejected status blocks re-running the half-applied batch
	var stateErr engine.StateError
	if _, err := eng.ApproveProposal(ctx, basket.WorkspaceID, p.ID, "bob", nil); !errors.As(err, &stateErr) {
		t.Fatalf("re-running a rejected proposal must fail, got %v", err)
	}
}

func TestRejectProposal(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a fact"))); err != nil {
		t.Fatal(err)
	}
	drainQueue(t, eng, basket.WorkspaceID)
	p := onlyProposal(t, eng, basket)

	notes := "not convinced"
	rejected, err := eng.RejectProposal(ctx, basket.WorkspaceID, p.ID, "bob", &notes)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.ProposalRejected || rejected.IsExecuted {
		t.Fatalf("unexpected proposal after reject: %+v", rejected)
	}
	if rejected.ReviewNotes == nil || *rejected.ReviewNotes != notes {
		t.Fatalf("expected notes recorded, got %+v", rejected.ReviewNotes)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 0 {
		t.Fatalf("rejection must not mutate substrate, got %d blocks", n)
	}

	again, err := eng.RejectProposal(ctx, basket.WorkspaceID, p.ID, "carol", nil)
	if err != nil {
		t.Fatalf("second reject should be a no-op, got %v", err)
	}
	if again.ReviewedBy == nil || *again.ReviewedBy != "bob" {
		t.Fatalf("no-op reject must not overwrite the original review, got %+v", again.ReviewedBy)
	}
}

func TestConfidenceRouting(t *testing.T) {
	high := 0.9
	low := 0.4

	t.Run("all confident executes", func(t *testing.T) {
		eng, basket := newTestEnv(t, nil)
		opts := submitOpts(basket, domain.WorkSubstrate, domain.ModeConfidenceRouting,
			mustOp(t, ops.CreateBlock, ops.CreateBlockData{Content: "sure", Confidence: &high}))
		if _, err := eng.SubmitWork(context.Background(), opts); err != nil {
			t.Fatal(err)
		}
		drainQueue(t, eng, basket.WorkspaceID)
		if p := onlyProposal(t, eng, basket); p.Status != domain.ProposalApproved {
			t.Fatalf("confident batch should auto-execute, got %s", p.Status)
		}
	})

	t.Run("low confidence waits for review", func(t *testing.T) {
		eng, basket := newTestEnv(t, nil)
		opts := submitOpts(basket, domain.WorkSubstrate, domain.ModeConfidenceRouting,
			mustOp(t, ops.CreateBlock, ops.CreateBlockData{Content: "sure", Confidence: &high}),
			mustOp(t, ops.CreateBlock, ops.CreateBlockData{Content: "shaky", Confidence: &low}))
		if _, err := eng.SubmitWork(context.Background(), opts); err != nil {
			t.Fatal(err)
		}
		drainQueue(t, eng, basket.WorkspaceID)
		if p := onlyProposal(t, eng, basket); p.Status != domain.ProposalProposed {
			t.Fatalf("low confidence should route to review, got %s", p.Status)
		}
		if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 0 {
			t.Fatalf("routed batch must not mutate substrate yet, got %d blocks", n)
		}
	})

	t.Run("override forces execution", func(t *testing.T) {
		eng, basket := newTestEnv(t, nil)
		opts := submitOpts(basket, domain.WorkSubstrate, domain.ModeConfidenceRouting,
			mustOp(t, ops.CreateBlock, ops.CreateBlockData{Content: "shaky", Confidence: &low}))
		opts.UserOverride = "allow_auto"
		if _, err := eng.SubmitWork(context.Background(), opts); err != nil {
			t.Fatal(err)
		}
		drainQueue(t, eng, basket.WorkspaceID)
		if p := onlyProposal(t, eng, basket); p.Status != domain.ProposalApproved {
			t.Fatalf("override should force execution, got %s", p.Status)
		}
	})
}

func seedCorruptItem(t *testing.T, eng engine.Engine, basket domain.Basket, maxRetries int) domain.WorkItem {
	t.Helper()
	now := "2026-01-01T00:00:00Z"
	item := domain.WorkItem{
		ID:              "corrupt-1",
		WorkType:        domain.WorkSubstrate,
		PayloadJSON:     "{not json",
		WorkspaceID:     basket.WorkspaceID,
		UserID:          "alice",
		Priority:        domain.PriorityNormal,
		ProcessingState: domain.StateClaimed,
		ExecutionMode:   domain.ModeAutoExecute,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		ClaimedAt:       &now,
	}
	if err := eng.Queue.Insert(context.Background(), item); err != nil {
		t.Fatalf("insert corrupt item: %v", err)
	}
	return item
}

func TestProcessingFailureParksForRetry(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	item := seedCorruptItem(t, eng, basket, 3)
	if err := eng.ProcessItem(ctx, item); err == nil {
		t.Fatal("expected processing error for corrupt payload")
	}

	current, err := eng.Queue.Get(ctx, basket.WorkspaceID, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.ProcessingState != domain.StatePending {
		t.Fatalf("failed processing should park for retry, got %s", current.ProcessingState)
	}
	if current.RetryCount != 1 || current.RetryAfter == nil || current.LastError == nil {
		t.Fatalf("retry bookkeeping missing: %+v", current)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM events WHERE type='work.failed'`); n != 1 {
		t.Fatalf("expected a work.failed event, got %d", n)
	}
}

func TestExhaustedRetriesFailPermanently(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.MaxRetries = 0
	eng, basket := newTestEnv(t, cfg)
	ctx := context.Background()

	item := seedCorruptItem(t, eng, basket, 0)
	if err := eng.ProcessItem(ctx, item); err == nil {
		t.Fatal("expected processing error for corrupt payload")
	}
	current, err := eng.Queue.Get(ctx, basket.WorkspaceID, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if current.ProcessingState != domain.StateFailed || !current.PermanentFailure {
		t.Fatalf("zero retry budget should fail permanently, got %+v", current)
	}

	_, err = eng.RetryFailed(ctx, basket.WorkspaceID, item.ID, "alice")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("retrying a permanent failure must be refused, got %v", err)
	}
}

func TestExecutionFailureIsTerminal(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	content := "x"
	item, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeAutoExecute,
		blockOp(t, "lands"),
		mustOp(t, ops.UpdateBlock, ops.UpdateBlockData{BlockID: "ghost", Content: &content})))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if item.ProcessingState != domain.StateFailed || !item.PermanentFailure {
		t.Fatalf("execution failure must be terminal for the item, got %+v", item)
	}
	if p := onlyProposal(t, eng, basket); p.Status != domain.ProposalRejected {
		t.Fatalf("expected rejected proposal, got %s", p.Status)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 1 {
		t.Fatalf("expected one committed block, got %d", n)
	}

	// nothing eligible remains; the committed prefix is not replayed
	if _, err := eng.DB.Exec(`UPDATE work_queue SET retry_after=NULL`); err != nil {
		t.Fatal(err)
	}
	drainQueue(t, eng, basket.WorkspaceID)
	if n := countRows(t, eng, `SELECT count(*) FROM proposals`); n != 1 {
		t.Fatalf("failed batch must not spawn another proposal, got %d", n)
	}
	if n := countRows(t, eng, `SELECT count(*) FROM blocks`); n != 1 {
		t.Fatalf("committed prefix duplicated: %d blocks", n)
	}

	_, err = eng.RetryFailed(ctx, basket.WorkspaceID, item.ID, "alice")
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("retrying a terminal execution failure must be refused, got %v", err)
	}
}

func TestGraphCascadeEnqueuesRelationshipWork(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	operations := []ops.Operation{
		blockOp(t, "a"), blockOp(t, "b"), blockOp(t, "c"), blockOp(t, "d"), blockOp(t, "e"),
	}
	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeAutoExecute, operations...)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	graphItems, err := eng.Queue.NextBatch(ctx, basket.WorkspaceID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(graphItems) != 1 {
		t.Fatalf("density threshold should enqueue one graph item, got %d", len(graphItems))
	}
	graph := graphItems[0]
	if graph.WorkType != domain.WorkGraph || graph.ExecutionMode != domain.ModeAutoExecute || graph.UserOverride != "allow_auto" {
		t.Fatalf("unexpected cascade item: %+v", graph)
	}

	drainQueue(t, eng, basket.WorkspaceID)

	if n := countRows(t, eng, `SELECT count(*) FROM substrate_relationships WHERE basket_id=?`, basket.ID); n == 0 {
		t.Fatal("processing the graph item should create relationships")
	}
	// graph commits must not re-enqueue graph work
	remaining, err := eng.Queue.NextBatch(ctx, basket.WorkspaceID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("graph work must not cascade into more graph work, got %d items", len(remaining))
	}
	if n := countRows(t, eng, `SELECT count(*) FROM events WHERE type='cascade.triggered' AND entity_kind='work_item'`); n != 1 {
		t.Fatalf("expected one graph cascade event, got %d", n)
	}
}

func TestArtifactImpactFlagsAttachedDocuments(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeAutoExecute, blockOp(t, "a fact"))); err != nil {
		t.Fatal(err)
	}
	var blockID string
	if err := eng.DB.QueryRow(`SELECT id FROM blocks WHERE basket_id=?`, basket.ID).Scan(&blockID); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkCompose, domain.ModeAutoExecute,
		mustOp(t, ops.CreateDocument, ops.CreateDocumentData{Title: "Summary"}))); err != nil {
		t.Fatal(err)
	}
	var docID string
	if err := eng.DB.QueryRow(`SELECT id FROM documents WHERE basket_id=?`, basket.ID).Scan(&docID); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkCompose, domain.ModeAutoExecute,
		mustOp(t, ops.AttachBlockToDoc, ops.AttachBlockToDocData{BlockID: blockID, DocumentID: docID}))); err != nil {
		t.Fatal(err)
	}

	// editing the attached block flags the document
	title := "revised"
	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkManualEdit, domain.ModeAutoExecute,
		mustOp(t, ops.UpdateBlock, ops.UpdateBlockData{BlockID: blockID, Title: &title}))); err != nil {
		t.Fatal(err)
	}

	events, err := eng.Repo.LatestEvents(ctx, 10, basket.WorkspaceID, "document.impacted", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EntityID != docID {
		t.Fatalf("expected one impact event for %s, got %+v", docID, events)
	}
}

func TestStatusSummarizesWorkspace(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a"))); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeAutoExecute, blockOp(t, "b"))); err != nil {
		t.Fatal(err)
	}

	st, err := eng.Status(ctx, basket.WorkspaceID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Baskets != 1 {
		t.Fatalf("expected 1 basket, got %d", st.Baskets)
	}
	if st.Queue[domain.StatePending] != 1 || st.Queue[domain.StateCompleted] != 1 {
		t.Fatalf("unexpected queue summary: %+v", st.Queue)
	}
	if st.Proposals[domain.ProposalApproved] != 1 {
		t.Fatalf("unexpected proposal summary: %+v", st.Proposals)
	}
}

func TestClaimSkipsItemsLostToOtherWorkers(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	a, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "b")))
	if err != nil {
		t.Fatal(err)
	}
	// another worker takes the first item between scheduling and claiming
	if err := eng.Queue.Transition(ctx, basket.WorkspaceID, a.ID, domain.StatePending, domain.StateClaimed); err != nil {
		t.Fatal(err)
	}

	claimed, err := eng.Claim(ctx, basket.WorkspaceID, "worker-2", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != b.ID {
		t.Fatalf("expected only the unclaimed item, got %+v", claimed)
	}
}

func TestWorkerRunWithoutLogger(t *testing.T) {
	eng, basket := newTestEnv(t, nil)
	ctx := context.Background()

	item, err := eng.SubmitWork(ctx, submitOpts(basket, domain.WorkSubstrate, domain.ModeCreateProposal, blockOp(t, "a fact")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	w := &engine.Worker{Engine: eng, WorkspaceID: basket.WorkspaceID, WorkerID: "w-1"}
	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if err := w.Run(runCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	got, err := eng.Queue.Get(ctx, basket.WorkspaceID, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProcessingState != domain.StateCompleted {
		t.Fatalf("worker should complete the item, got %s", got.ProcessingState)
	}
	onlyProposal(t, eng, basket)
}
