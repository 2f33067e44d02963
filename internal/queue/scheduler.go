package queue

import (
	"context"
	"time"

	"basketry/internal/domain"
)

// NextBatch selects the next eligible pending items for a workspace,
// ordered urgent > high > normal > low and FIFO within a tier. The
// requested limit is clamped to the store ceiling so one caller cannot
// monopolize processing capacity. Items waiting out a retry backoff are
// skipped until retry_after passes.
func (s *Store) NextBatch(ctx context.Context, workspaceID string, requested int) ([]domain.WorkItem, error) {
	ceiling := s.BatchCeiling
	if ceiling <= 0 {
		ceiling = 20
	}
	limit := requested
	if limit <= 0 || limit > ceiling {
		limit = ceiling
	}
	now := s.now().UTC().Format(time.RFC3339)
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_queue
WHERE workspace_id=? AND processing_state=? AND (retry_after IS NULL OR retry_after<=?)
ORDER BY CASE priority
    WHEN 'urgent' THEN 0
    WHEN 'high' THEN 1
    WHEN 'normal' THEN 2
    WHEN 'low' THEN 3
    ELSE 4 END,
  created_at ASC, id ASC
LIMIT ?`, workspaceID, domain.StatePending, now, limit)
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
