// Package substrate persists the captured-knowledge tables and applies
// the operation union to them. Every handler runs inside the caller's
// transaction so a proposal's audit trail and its mutations commit
// together.
package substrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"basketry/internal/domain"
	"basketry/internal/ops"
)

// Scope pins an operation to its workspace and basket. Handlers never
// touch rows outside it.
type Scope struct {
	WorkspaceID string
	BasketID    string
	ActorID     string
}

type Store struct {
	DB    *sql.DB
	Now   func() time.Time
	NewID func() string
}

func NewStore(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now, NewID: uuid.NewString}
}

func (s Store) stamp() string {
	return s.Now().UTC().Format(time.RFC3339)
}

type handlerFunc func(Store, context.Context, *sql.Tx, Scope, ops.Operation) (ops.Result, error)

var handlers = map[ops.Type]handlerFunc{
	ops.CreateRawDump:       Store.createRawDump,
	ops.CreateTimelineEvent: Store.createTimelineEvent,
	ops.CreateBlock:         Store.createBlock,
	ops.UpdateBlock:         Store.updateBlock,
	ops.MergeBlocks:         Store.mergeBlocks,
	ops.CreateContextItems:  Store.createContextItem,
	ops.UpdateContextItems:  Store.updateContextItem,
	ops.MergeContextItems:   Store.mergeContextItems,
	ops.PromoteScope:        Store.promoteScope,
	ops.AttachBlockToDoc:    Store.attachBlockToDoc,
	ops.BreakdownDocument:   Store.breakdownDocument,
	ops.CreateRelationship:  Store.createRelationship,
	ops.UpdateRelationship:  Store.updateRelationship,
	ops.CreateReflection:    Store.createReflection,
	ops.UpdateReflection:    Store.updateReflection,
	ops.CreateDocument:      Store.createDocument,
	ops.UpdateDocument:      Store.updateDocument,
	ops.DeleteBlock:         Store.deleteBlock,
	ops.DeleteContextItems:  Store.deleteContextItems,
}

// Apply dispatches one operation to its handler inside tx.
func (s Store) Apply(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	h, ok := handlers[op.Type]
	if !ok {
		return ops.Result{}, fmt.Errorf("unsupported operation type %q", op.Type)
	}
	if err := ops.Validate(op); err != nil {
		return ops.Result{}, err
	}
	return h(s, ctx, tx, scope, op)
}

func (s Store) createRawDump(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateRawDumpData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	dump := domain.RawDump{
		ID:          s.NewID(),
		BasketID:    scope.BasketID,
		WorkspaceID: scope.WorkspaceID,
		Body:        d.Body,
		SourceDocID: d.SourceDocumentID,
		CreatedAt:   s.stamp(),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO raw_dumps(id,basket_id,workspace_id,body,source_document_id,created_at)
VALUES (?,?,?,?,?,?)`,
		dump.ID, dump.BasketID, dump.WorkspaceID, dump.Body, nullablePtr(dump.SourceDocID), dump.CreatedAt)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create raw dump: %w", err)
	}
	return ops.Result{CreatedID: dump.ID}, nil
}

func (s Store) createTimelineEvent(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateTimelineEventData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	evt := domain.TimelineEvent{
		ID:          s.NewID(),
		BasketID:    scope.BasketID,
		WorkspaceID: scope.WorkspaceID,
		Kind:        d.Kind,
		Summary:     d.Summary,
		CreatedAt:   s.stamp(),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO timeline_events(id,basket_id,workspace_id,kind,summary,created_at)
VALUES (?,?,?,?,?,?)`,
		evt.ID, evt.BasketID, evt.WorkspaceID, evt.Kind, evt.Summary, evt.CreatedAt)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create timeline event: %w", err)
	}
	return ops.Result{CreatedID: evt.ID}, nil
}

const defaultConfidence = 0.7

func (s Store) createBlock(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateBlockData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	confidence := defaultConfidence
	if d.Confidence != nil {
		confidence = *d.Confidence
	}
	id := s.NewID()
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(id,basket_id,workspace_id,title,content,semantic_type,confidence,scope,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, nullable(d.Title), d.Content, nullable(d.SemanticType),
		confidence, nullable(d.Scope), domain.SubstrateActive, now, now)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create block: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

func (s Store) updateBlock(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.UpdateBlockData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	b, err := s.getBlockTx(ctx, tx, scope, d.BlockID)
	if err != nil {
		return ops.Result{}, err
	}
	if d.Title != nil {
		b.Title = *d.Title
	}
	if d.Content != nil {
		b.Content = *d.Content
	}
	if d.SemanticType != nil {
		b.SemanticType = *d.SemanticType
	}
	if d.Confidence != nil {
		b.Confidence = *d.Confidence
	}
	_, err = tx.ExecContext(ctx, `UPDATE blocks SET title=?, content=?, semantic_type=?, confidence=?, updated_at=?
WHERE id=? AND workspace_id=?`,
		nullable(b.Title), b.Content, nullable(b.SemanticType), b.Confidence, s.stamp(), d.BlockID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update block: %w", err)
	}
	return ops.Result{UpdatedID: d.BlockID}, nil
}

// mergeBlocks marks every non-canonical block as merged. Rows are never
// deleted, so merge history stays reconstructable.
func (s Store) mergeBlocks(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.MergeBlocksData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	if _, err := s.getBlockTx(ctx, tx, scope, d.CanonicalID); err != nil {
		return ops.Result{}, fmt.Errorf("merge blocks: canonical: %w", err)
	}
	now := s.stamp()
	for _, id := range d.BlockIDs {
		if id == d.CanonicalID {
			continue
		}
		res, err := tx.ExecContext(ctx, `UPDATE blocks SET state=?, updated_at=? WHERE id=? AND workspace_id=?`,
			domain.SubstrateMerged, now, id, scope.WorkspaceID)
		if err != nil {
			return ops.Result{}, fmt.Errorf("merge blocks: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ops.Result{}, fmt.Errorf("merge blocks: block %s not found", id)
		}
	}
	return ops.Result{UpdatedID: d.CanonicalID}, nil
}

func (s Store) createContextItem(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateContextItemData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	synonyms, err := encodeSynonyms(d.Synonyms)
	if err != nil {
		return ops.Result{}, err
	}
	id := s.NewID()
	now := s.stamp()
	_, err = tx.ExecContext(ctx, `INSERT INTO context_items(id,basket_id,workspace_id,label,kind,synonyms_json,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, d.Label, nullable(d.Kind), synonyms, domain.SubstrateActive, now, now)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create context item: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

// updateContextItem treats synonyms as a replacement list and
// additional_synonyms as an append. Validate already rejects payloads
// carrying both.
func (s Store) updateContextItem(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.UpdateContextItemData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	item, err := s.getContextItemTx(ctx, tx, scope, d.ContextItemID)
	if err != nil {
		return ops.Result{}, err
	}
	if d.Label != nil {
		item.Label = *d.Label
	}
	if len(d.Synonyms) > 0 {
		item.Synonyms = d.Synonyms
	}
	if len(d.AdditionalSynonyms) > 0 {
		item.Synonyms = appendUnique(item.Synonyms, d.AdditionalSynonyms)
	}
	synonyms, err := encodeSynonyms(item.Synonyms)
	if err != nil {
		return ops.Result{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE context_items SET label=?, synonyms_json=?, updated_at=? WHERE id=? AND workspace_id=?`,
		item.Label, synonyms, s.stamp(), d.ContextItemID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update context item: %w", err)
	}
	return ops.Result{UpdatedID: d.ContextItemID}, nil
}

func (s Store) mergeContextItems(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.MergeContextItemsData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	if _, err := s.getContextItemTx(ctx, tx, scope, d.CanonicalID); err != nil {
		return ops.Result{}, fmt.Errorf("merge context items: canonical: %w", err)
	}
	now := s.stamp()
	for _, id := range d.ItemIDs {
		if id == d.CanonicalID {
			continue
		}
		res, err := tx.ExecContext(ctx, `UPDATE context_items SET state=?, canonical_id=?, updated_at=? WHERE id=? AND workspace_id=?`,
			domain.SubstrateMerged, d.CanonicalID, now, id, scope.WorkspaceID)
		if err != nil {
			return ops.Result{}, fmt.Errorf("merge context items: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ops.Result{}, fmt.Errorf("merge context items: item %s not found", id)
		}
	}
	return ops.Result{UpdatedID: d.CanonicalID}, nil
}

func (s Store) promoteScope(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.PromoteScopeData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET scope=?, updated_at=? WHERE id=? AND workspace_id=?`,
		d.Scope, s.stamp(), d.BlockID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("promote scope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ops.Result{}, fmt.Errorf("promote scope: block %s not found", d.BlockID)
	}
	return ops.Result{UpdatedID: d.BlockID}, nil
}

func (s Store) attachBlockToDoc(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.AttachBlockToDocData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	if _, err := s.getBlockTx(ctx, tx, scope, d.BlockID); err != nil {
		return ops.Result{}, fmt.Errorf("attach block: %w", err)
	}
	if _, err := s.getDocumentTx(ctx, tx, scope, d.DocumentID); err != nil {
		return ops.Result{}, fmt.Errorf("attach block: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO block_links(block_id,document_id,workspace_id,created_at)
VALUES (?,?,?,?)`,
		d.BlockID, d.DocumentID, scope.WorkspaceID, s.stamp())
	if err != nil {
		return ops.Result{}, fmt.Errorf("attach block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ops.Result{UpdatedID: d.DocumentID, NoOp: true}, nil
	}
	return ops.Result{UpdatedID: d.DocumentID}, nil
}

// breakdownDocument re-enters a composed document into the capture
// pipeline as a raw dump, keeping the provenance pointer back to the
// document it came from.
func (s Store) breakdownDocument(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.BreakdownDocumentData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	doc, err := s.getDocumentTx(ctx, tx, scope, d.DocumentID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("breakdown document: %w", err)
	}
	body := doc.Body
	if doc.Title != "" {
		body = doc.Title + "\n\n" + doc.Body
	}
	id := s.NewID()
	_, err = tx.ExecContext(ctx, `INSERT INTO raw_dumps(id,basket_id,workspace_id,body,source_document_id,created_at)
VALUES (?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, body, d.DocumentID, s.stamp())
	if err != nil {
		return ops.Result{}, fmt.Errorf("breakdown document: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

const defaultStrength = 0.5

func (s Store) createRelationship(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateRelationshipData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	strength := defaultStrength
	if d.Strength != nil {
		strength = *d.Strength
	}
	id := s.NewID()
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `INSERT INTO substrate_relationships(id,basket_id,workspace_id,from_id,to_id,kind,strength,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, d.FromID, d.ToID, d.Kind, strength, now, now)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create relationship: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

func (s Store) updateRelationship(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.UpdateRelationshipData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	var rel domain.Relationship
	err := tx.QueryRowContext(ctx, `SELECT kind,strength FROM substrate_relationships WHERE id=? AND workspace_id=?`,
		d.RelationshipID, scope.WorkspaceID).Scan(&rel.Kind, &rel.Strength)
	if err == sql.ErrNoRows {
		return ops.Result{}, fmt.Errorf("update relationship: relationship %s not found", d.RelationshipID)
	}
	if err != nil {
		return ops.Result{}, fmt.Errorf("update relationship: %w", err)
	}
	if d.Kind != nil {
		rel.Kind = *d.Kind
	}
	if d.Strength != nil {
		rel.Strength = *d.Strength
	}
	_, err = tx.ExecContext(ctx, `UPDATE substrate_relationships SET kind=?, strength=?, updated_at=? WHERE id=? AND workspace_id=?`,
		rel.Kind, rel.Strength, s.stamp(), d.RelationshipID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update relationship: %w", err)
	}
	return ops.Result{UpdatedID: d.RelationshipID}, nil
}

func (s Store) createReflection(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateReflectionData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	id := s.NewID()
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `INSERT INTO reflections(id,basket_id,workspace_id,body,created_at,updated_at)
VALUES (?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, d.Body, now, now)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create reflection: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

func (s Store) updateReflection(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.UpdateReflectionData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reflections SET body=?, updated_at=? WHERE id=? AND workspace_id=?`,
		d.Body, s.stamp(), d.ReflectionID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update reflection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ops.Result{}, fmt.Errorf("update reflection: reflection %s not found", d.ReflectionID)
	}
	return ops.Result{UpdatedID: d.ReflectionID}, nil
}

func (s Store) createDocument(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.CreateDocumentData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	id := s.NewID()
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,basket_id,workspace_id,title,body,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`,
		id, scope.BasketID, scope.WorkspaceID, d.Title, d.Body, now, now)
	if err != nil {
		return ops.Result{}, fmt.Errorf("create document: %w", err)
	}
	return ops.Result{CreatedID: id}, nil
}

func (s Store) updateDocument(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.UpdateDocumentData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	doc, err := s.getDocumentTx(ctx, tx, scope, d.DocumentID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update document: %w", err)
	}
	if d.Title != nil {
		doc.Title = *d.Title
	}
	if d.Body != nil {
		doc.Body = *d.Body
	}
	_, err = tx.ExecContext(ctx, `UPDATE documents SET title=?, body=?, updated_at=? WHERE id=? AND workspace_id=?`,
		doc.Title, doc.Body, s.stamp(), d.DocumentID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("update document: %w", err)
	}
	return ops.Result{UpdatedID: d.DocumentID}, nil
}

// deleteBlock tombstones. The row stays so links and audit entries keep
// resolving.
func (s Store) deleteBlock(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.DeleteBlockData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET state=?, updated_at=? WHERE id=? AND workspace_id=?`,
		domain.SubstrateDeleted, s.stamp(), d.BlockID, scope.WorkspaceID)
	if err != nil {
		return ops.Result{}, fmt.Errorf("delete block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ops.Result{}, fmt.Errorf("delete block: block %s not found", d.BlockID)
	}
	return ops.Result{UpdatedID: d.BlockID}, nil
}

func (s Store) deleteContextItems(ctx context.Context, tx *sql.Tx, scope Scope, op ops.Operation) (ops.Result, error) {
	var d ops.DeleteContextItemsData
	if err := json.Unmarshal(op.Data, &d); err != nil {
		return ops.Result{}, err
	}
	now := s.stamp()
	for _, id := range d.ContextItemIDs {
		res, err := tx.ExecContext(ctx, `UPDATE context_items SET state=?, updated_at=? WHERE id=? AND workspace_id=?`,
			domain.SubstrateDeleted, now, id, scope.WorkspaceID)
		if err != nil {
			return ops.Result{}, fmt.Errorf("delete context items: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ops.Result{}, fmt.Errorf("delete context items: item %s not found", id)
		}
	}
	return ops.Result{UpdatedID: d.ContextItemIDs[0]}, nil
}

// tx-scoped reads

func (s Store) getBlockTx(ctx context.Context, tx *sql.Tx, scope Scope, id string) (domain.Block, error) {
	var b domain.Block
	var title, semanticType, blockScope sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,title,content,semantic_type,confidence,scope,state,created_at,updated_at
FROM blocks WHERE id=? AND workspace_id=?`, id, scope.WorkspaceID).
		Scan(&b.ID, &b.BasketID, &b.WorkspaceID, &title, &b.Content, &semanticType, &b.Confidence, &blockScope, &b.State, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, fmt.Errorf("block %s not found", id)
	}
	if err != nil {
		return b, err
	}
	b.Title = title.String
	b.SemanticType = semanticType.String
	b.Scope = blockScope.String
	return b, nil
}

func (s Store) getContextItemTx(ctx context.Context, tx *sql.Tx, scope Scope, id string) (domain.ContextItem, error) {
	var item domain.ContextItem
	var kind, synonyms, canonical sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,label,kind,synonyms_json,state,canonical_id,created_at,updated_at
FROM context_items WHERE id=? AND workspace_id=?`, id, scope.WorkspaceID).
		Scan(&item.ID, &item.BasketID, &item.WorkspaceID, &item.Label, &kind, &synonyms, &item.State, &canonical, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return item, fmt.Errorf("context item %s not found", id)
	}
	if err != nil {
		return item, err
	}
	item.Kind = kind.String
	if canonical.Valid {
		item.CanonicalID = &canonical.String
	}
	if synonyms.Valid && synonyms.String != "" {
		if err := json.Unmarshal([]byte(synonyms.String), &item.Synonyms); err != nil {
			return item, fmt.Errorf("context item %s: decode synonyms: %w", id, err)
		}
	}
	return item, nil
}

func (s Store) getDocumentTx(ctx context.Context, tx *sql.Tx, scope Scope, id string) (domain.Document, error) {
	var doc domain.Document
	err := tx.QueryRowContext(ctx, `SELECT id,basket_id,workspace_id,title,body,created_at,updated_at
FROM documents WHERE id=? AND workspace_id=?`, id, scope.WorkspaceID).
		Scan(&doc.ID, &doc.BasketID, &doc.WorkspaceID, &doc.Title, &doc.Body, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return doc, fmt.Errorf("document %s not found", id)
	}
	return doc, err
}

// helpers

func encodeSynonyms(synonyms []string) (any, error) {
	if len(synonyms) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(synonyms)
	if err != nil {
		return nil, fmt.Errorf("encode synonyms: %w", err)
	}
	return string(b), nil
}

func appendUnique(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	out := existing
	for _, s := range extra {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
