package substrate

import (
	"context"
	"strings"

	"basketry/internal/domain"
)

// Counts summarizes a basket's substrate population. Merged and deleted
// rows are excluded everywhere a state column exists.
type Counts struct {
	RawDumps       int `json:"raw_dumps"`
	TimelineEvents int `json:"timeline_events"`
	Blocks         int `json:"blocks"`
	ContextItems   int `json:"context_items"`
	Relationships  int `json:"relationships"`
	Reflections    int `json:"reflections"`
	Documents      int `json:"documents"`
}

func (s Store) CountBasket(ctx context.Context, workspaceID, basketID string) (Counts, error) {
	var c Counts
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM raw_dumps WHERE workspace_id=? AND basket_id=?`, &c.RawDumps},
		{`SELECT COUNT(*) FROM timeline_events WHERE workspace_id=? AND basket_id=?`, &c.TimelineEvents},
		{`SELECT COUNT(*) FROM blocks WHERE workspace_id=? AND basket_id=? AND state='ACTIVE'`, &c.Blocks},
		{`SELECT COUNT(*) FROM context_items WHERE workspace_id=? AND basket_id=? AND state='ACTIVE'`, &c.ContextItems},
		{`SELECT COUNT(*) FROM substrate_relationships WHERE workspace_id=? AND basket_id=?`, &c.Relationships},
		{`SELECT COUNT(*) FROM reflections WHERE workspace_id=? AND basket_id=?`, &c.Reflections},
		{`SELECT COUNT(*) FROM documents WHERE workspace_id=? AND basket_id=?`, &c.Documents},
	}
	for _, q := range queries {
		if err := s.DB.QueryRowContext(ctx, q.query, workspaceID, basketID).Scan(q.dest); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Density is the count of active canonical substrate units (blocks plus
// context items) in a basket.
func (s Store) Density(ctx context.Context, workspaceID, basketID string) (int, error) {
	c, err := s.CountBasket(ctx, workspaceID, basketID)
	if err != nil {
		return 0, err
	}
	return c.Blocks + c.ContextItems, nil
}

// Maturity grades a basket by how far its substrate has progressed:
// 0 empty, 1 raw captures, 2 extracted blocks or context items,
// 3 graph relationships, 4 composed documents.
func (s Store) Maturity(ctx context.Context, workspaceID, basketID string) (int, error) {
	c, err := s.CountBasket(ctx, workspaceID, basketID)
	if err != nil {
		return 0, err
	}
	level := 0
	if c.RawDumps > 0 || c.TimelineEvents > 0 {
		level = 1
	}
	if c.Blocks > 0 || c.ContextItems > 0 {
		level = 2
	}
	if c.Relationships > 0 {
		level = 3
	}
	if c.Documents > 0 {
		level = 4
	}
	return level, nil
}

// RecentReflections returns a basket's reflections, newest first.
func (s Store) RecentReflections(ctx context.Context, workspaceID, basketID string, limit int) ([]domain.Reflection, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,basket_id,workspace_id,body,created_at,updated_at
FROM reflections WHERE workspace_id=? AND basket_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		workspaceID, basketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reflection
	for rows.Next() {
		var r domain.Reflection
		if err := rows.Scan(&r.ID, &r.BasketID, &r.WorkspaceID, &r.Body, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// LinkedDocuments resolves the documents attached to any of the given
// blocks, deduplicated.
func (s Store) LinkedDocuments(ctx context.Context, workspaceID string, blockIDs []string) ([]string, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(blockIDs)), ",")
	args := []any{workspaceID}
	for _, id := range blockIDs {
		args = append(args, id)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT document_id FROM block_links
WHERE workspace_id=? AND block_id IN (`+placeholders+`) ORDER BY document_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		docs = append(docs, id)
	}
	return docs, rows.Err()
}
