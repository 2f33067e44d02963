package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"basketry/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Baskets

func (r Repo) InsertBasketTx(ctx context.Context, tx *sql.Tx, b domain.Basket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO baskets(id,workspace_id,name,created_at) VALUES (?,?,?,?)`,
		b.ID, b.WorkspaceID, b.Name, b.CreatedAt)
	return err
}

func (r Repo) GetBasket(ctx context.Context, workspaceID, id string) (domain.Basket, error) {
	var b domain.Basket
	err := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,created_at FROM baskets WHERE id=? AND workspace_id=?`, id, workspaceID).
		Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBaskets(ctx context.Context, workspaceID string) ([]domain.Basket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,name,created_at FROM baskets WHERE workspace_id=? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Basket
	for rows.Next() {
		var b domain.Basket
		if err := rows.Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Proposals

const proposalColumns = `id,basket_id,workspace_id,proposal_kind,ops_json,status,is_executed,commit_id,reviewed_by,reviewed_at,review_notes,created_at`

func scanProposal(row interface{ Scan(...any) error }) (domain.Proposal, error) {
	var p domain.Proposal
	var kind, commitID, reviewedBy, reviewedAt, reviewNotes sql.NullString
	var executed int
	err := row.Scan(&p.ID, &p.BasketID, &p.WorkspaceID, &kind, &p.OpsJSON, &p.Status,
		&executed, &commitID, &reviewedBy, &reviewedAt, &reviewNotes, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.IsExecuted = executed != 0
	if kind.Valid {
		p.Kind = kind.String
	}
	if commitID.Valid {
		p.CommitID = &commitID.String
	}
	if reviewedBy.Valid {
		p.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		p.ReviewedAt = &reviewedAt.String
	}
	if reviewNotes.Valid {
		p.ReviewNotes = &reviewNotes.String
	}
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.BasketID, p.WorkspaceID, nullable(p.Kind), p.OpsJSON, p.Status,
		boolToInt(p.IsExecuted), nullableStringPtr(p.CommitID), nullableStringPtr(p.ReviewedBy),
		nullableStringPtr(p.ReviewedAt), nullableStringPtr(p.ReviewNotes), p.CreatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, workspaceID, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=? AND workspace_id=?`, id, workspaceID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type ProposalFilters struct {
	WorkspaceID string
	BasketID    string
	Status      domain.ProposalStatus
	Limit       int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	if f.BasketID != "" {
		clauses = append(clauses, "basket_id=?")
		args = append(args, f.BasketID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkExecuted finalizes a proposal after execution. The UPDATE is
// conditional on is_executed still being 0 so a proposal can be finalized
// at most once.
func (r Repo) MarkExecuted(ctx context.Context, tx *sql.Tx, id string, status domain.ProposalStatus, commitID, reviewedBy, reviewNotes *string, reviewedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals
SET status=?, is_executed=1, commit_id=?, reviewed_by=?, reviewed_at=?, review_notes=?
WHERE id=? AND is_executed=0`,
		status, nullableStringPtr(commitID), nullableStringPtr(reviewedBy), reviewedAt, nullableStringPtr(reviewNotes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRejected records an unexecuted rejection.
func (r Repo) MarkRejected(ctx context.Context, tx *sql.Tx, id string, reviewedBy, reviewNotes *string, reviewedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals
SET status=?, reviewed_by=?, reviewed_at=?, review_notes=?
WHERE id=? AND is_executed=0`,
		domain.ProposalRejected, nullableStringPtr(reviewedBy), reviewedAt, nullableStringPtr(reviewNotes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Execution audit rows

// AppendExecutionLogTx persists one ExecutionLogEntry as it happens, so
// partial progress is inspectable even if the engine dies mid-batch.
func (r Repo) AppendExecutionLogTx(ctx context.Context, tx *sql.Tx, e domain.ExecutionLogEntry, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposal_executions(
proposal_id,operation_index,operation_type,success,result_json,error_message,execution_time_ms,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ProposalID, e.OperationIndex, e.OperationType, boolToInt(e.Success),
		nullableStringPtr(e.ResultJSON), nullableStringPtr(e.ErrorMessage), e.ExecutionTimeMS, createdAt)
	return err
}

func (r Repo) ListExecutionLog(ctx context.Context, proposalID string) ([]domain.ExecutionLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id,operation_index,operation_type,success,result_json,error_message,execution_time_ms
FROM proposal_executions WHERE proposal_id=? ORDER BY operation_index ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLogEntry
	for rows.Next() {
		var e domain.ExecutionLogEntry
		var result, errMsg sql.NullString
		var success int
		if err := rows.Scan(&e.ProposalID, &e.OperationIndex, &e.OperationType, &success, &result, &errMsg, &e.ExecutionTimeMS); err != nil {
			return nil, err
		}
		e.Success = success != 0
		if result.Valid {
			e.ResultJSON = &result.String
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Events

func (r Repo) LatestEvents(ctx context.Context, limit int, workspaceID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if workspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, workspaceID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ws, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &ws, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if ws.Valid {
			e.WorkspaceID = ws.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// helpers

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
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
