// Package cascade dispatches follow-up work after a proposal commit.
// Cascades are best effort: a failed cascade is logged and reported in
// its Result but never fails the commit that triggered it.
package cascade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"basketry/internal/config"
	"basketry/internal/domain"
	"basketry/internal/events"
	"basketry/internal/ops"
	"basketry/internal/queue"
	"basketry/internal/substrate"
)

// AllowAuto marks cascade-enqueued work so governance settings cannot
// bounce it back into review.
const AllowAuto = "allow_auto"

// Commit describes what a finished proposal execution produced.
type Commit struct {
	WorkspaceID string
	BasketID    string
	UserID      string
	ProposalID  string
	CommitID    string
	WorkType    domain.WorkType

	CreatedBlockIDs    []string
	TouchedBlockIDs    []string
	CreatedBlocks      int
	CreatedContextItem int
	NewSubstrate       bool
}

// Result reports one cascade rule's outcome. Callers may discard it;
// failures are already logged.
type Result struct {
	Kind      string `json:"kind"`
	Triggered bool   `json:"triggered"`
	Detail    string `json:"detail,omitempty"`
	Err       error  `json:"-"`
}

type Dispatcher struct {
	DB        *sql.DB
	Queue     *queue.Store
	Substrate substrate.Store
	Events    events.Writer
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewDispatcher(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		DB:        db,
		Queue:     queue.NewStore(db),
		Substrate: substrate.NewStore(db),
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// Dispatch runs every cascade rule in order. Each rule's failure is
// swallowed after logging so later rules still run.
func (d *Dispatcher) Dispatch(ctx context.Context, c Commit) []Result {
	rules := []func(context.Context, Commit) Result{
		d.graphMapping,
		d.reflectionRecompute,
		d.artifactImpact,
	}
	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		res := rule(ctx, c)
		if res.Err != nil && d.Logger != nil {
			d.Logger.Warn("cascade rule failed",
				"cascade", res.Kind,
				"proposal_id", c.ProposalID,
				"basket_id", c.BasketID,
				"error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// graphMapping enqueues relationship-mapping work when a commit creates
// or updates substrate in a basket mature and dense enough to be worth
// connecting. Graph commits themselves never re-trigger it.
func (d *Dispatcher) graphMapping(ctx context.Context, c Commit) Result {
	res := Result{Kind: "graph_mapping"}
	if c.WorkType == domain.WorkGraph {
		res.Detail = "graph work does not re-trigger mapping"
		return res
	}
	if !c.NewSubstrate && len(c.TouchedBlockIDs) == 0 {
		res.Detail = "no substrate changes"
		return res
	}
	maturity, err := d.Substrate.Maturity(ctx, c.WorkspaceID, c.BasketID)
	if err != nil {
		res.Err = err
		return res
	}
	if maturity < d.Config.Cascades.MaturityLevelMin {
		res.Detail = fmt.Sprintf("maturity %d below threshold %d", maturity, d.Config.Cascades.MaturityLevelMin)
		return res
	}
	density, err := d.Substrate.Density(ctx, c.WorkspaceID, c.BasketID)
	if err != nil {
		res.Err = err
		return res
	}
	if density < d.Config.Cascades.SubstrateDensityMin {
		res.Detail = fmt.Sprintf("density %d below threshold %d", density, d.Config.Cascades.SubstrateDensityMin)
		return res
	}

	operations, err := d.relationshipOps(ctx, c)
	if err != nil {
		res.Err = err
		return res
	}
	if len(operations) == 0 {
		res.Detail = "no relationship candidates"
		return res
	}
	payload, err := ops.EncodeBatch(ops.Batch{BasketID: c.BasketID, Operations: operations})
	if err != nil {
		res.Err = err
		return res
	}
	itemID := d.newID()
	item := domain.WorkItem{
		ID:              itemID,
		WorkType:        domain.WorkGraph,
		PayloadJSON:     payload,
		WorkspaceID:     c.WorkspaceID,
		UserID:          c.UserID,
		Priority:        domain.PriorityNormal,
		ProcessingState: domain.StatePending,
		ExecutionMode:   domain.ModeAutoExecute,
		MaxRetries:      d.Config.Queue.MaxRetries,
		UserOverride:    AllowAuto,
		CreatedAt:       d.now().UTC().Format(time.RFC3339),
	}
	if err := d.Queue.Insert(ctx, item); err != nil {
		res.Err = err
		return res
	}
	if err := d.appendEvent(ctx, "cascade.triggered", c, "work_item", itemID, events.EventPayload{
		"cascade": "graph_mapping", "density": density, "maturity": maturity,
	}); err != nil {
		res.Err = err
		return res
	}
	res.Triggered = true
	res.Detail = fmt.Sprintf("enqueued graph work %s with %d relationship operations", itemID, len(operations))
	return res
}

// relationshipOps pairs each created block, and each touched block not
// yet linked to anything, with the most recent other active block in
// the basket.
func (d *Dispatcher) relationshipOps(ctx context.Context, c Commit) ([]ops.Operation, error) {
	created := make(map[string]struct{}, len(c.CreatedBlockIDs))
	for _, id := range c.CreatedBlockIDs {
		created[id] = struct{}{}
	}
	candidates := append([]string(nil), c.CreatedBlockIDs...)
	for _, id := range c.TouchedBlockIDs {
		if _, ok := created[id]; ok {
			continue
		}
		var linked int
		err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM substrate_relationships
WHERE workspace_id=? AND (from_id=? OR to_id=?)`, c.WorkspaceID, id, id).Scan(&linked)
		if err != nil {
			return nil, err
		}
		if linked == 0 {
			candidates = append(candidates, id)
		}
	}
	var operations []ops.Operation
	for _, blockID := range candidates {
		var neighbor string
		err := d.DB.QueryRowContext(ctx, `SELECT id FROM blocks
WHERE workspace_id=? AND basket_id=? AND state='ACTIVE' AND id<>?
ORDER BY created_at DESC, id DESC LIMIT 1`,
			c.WorkspaceID, c.BasketID, blockID).Scan(&neighbor)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, ok := created[neighbor]; ok && neighbor > blockID {
			// each created pair gets linked once
			continue
		}
		data, err := json.Marshal(ops.CreateRelationshipData{FromID: blockID, ToID: neighbor, Kind: "related_content"})
		if err != nil {
			return nil, err
		}
		operations = append(operations, ops.Operation{Type: ops.CreateRelationship, Data: data})
	}
	return operations, nil
}

// reflectionRecompute writes a fresh reflection when a commit lands
// enough new substrate to shift the basket's shape.
func (d *Dispatcher) reflectionRecompute(ctx context.Context, c Commit) Result {
	res := Result{Kind: "reflection_recompute"}
	if c.CreatedBlocks < d.Config.Cascades.ReflectionBlocks && c.CreatedContextItem < d.Config.Cascades.ReflectionItems {
		res.Detail = "below reflection thresholds"
		return res
	}
	counts, err := d.Substrate.CountBasket(ctx, c.WorkspaceID, c.BasketID)
	if err != nil {
		res.Err = err
		return res
	}
	body := fmt.Sprintf("commit %s added %d blocks and %d context items; basket now holds %d blocks, %d context items, %d relationships",
		c.CommitID, c.CreatedBlocks, c.CreatedContextItem, counts.Blocks, counts.ContextItems, counts.Relationships)

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		res.Err = err
		return res
	}
	defer tx.Rollback()

	data, err := json.Marshal(ops.CreateReflectionData{Body: body})
	if err != nil {
		res.Err = err
		return res
	}
	scope := substrate.Scope{WorkspaceID: c.WorkspaceID, BasketID: c.BasketID, ActorID: c.UserID}
	applied, err := d.Substrate.Apply(ctx, tx, scope, ops.Operation{Type: ops.CreateReflection, Data: data})
	if err != nil {
		res.Err = err
		return res
	}
	if err := d.Events.Append(ctx, tx, "cascade.triggered", c.WorkspaceID, "reflection", applied.CreatedID, c.UserID, events.EventPayload{
		"cascade": "reflection_recompute", "proposal_id": c.ProposalID,
	}); err != nil {
		res.Err = err
		return res
	}
	if err := tx.Commit(); err != nil {
		res.Err = err
		return res
	}
	res.Triggered = true
	res.Detail = "reflection " + applied.CreatedID
	return res
}

// artifactImpact flags documents whose attached blocks changed in this
// commit. It always runs.
func (d *Dispatcher) artifactImpact(ctx context.Context, c Commit) Result {
	res := Result{Kind: "artifact_impact"}
	docs, err := d.Substrate.LinkedDocuments(ctx, c.WorkspaceID, c.TouchedBlockIDs)
	if err != nil {
		res.Err = err
		return res
	}
	if len(docs) == 0 {
		res.Detail = "no attached documents"
		return res
	}
	for _, docID := range docs {
		if err := d.appendEvent(ctx, "document.impacted", c, "document", docID, events.EventPayload{
			"cascade": "artifact_impact", "proposal_id": c.ProposalID, "commit_id": c.CommitID,
		}); err != nil {
			res.Err = err
			return res
		}
	}
	res.Triggered = true
	res.Detail = fmt.Sprintf("%d documents impacted", len(docs))
	return res
}

func (d *Dispatcher) appendEvent(ctx context.Context, evtType string, c Commit, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Events.Append(ctx, tx, evtType, c.WorkspaceID, entityKind, entityID, c.UserID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
