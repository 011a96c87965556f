package store

import (
	"context"
	"fmt"

	"github.com/lherron/bibupload/internal/domain"
)

// HoldingPenStore handles quarantined submissions. It never touches the
// primary store.
type HoldingPenStore struct {
	store *Store
}

const holdingPenColumns = `id, external_id, matched_id, reason, job_id, snapshot, created_at`

// Insert stores entry and sets entry.ID.
func (hp *HoldingPenStore) Insert(ctx context.Context, entry *domain.HoldingPenEntry) error {
	res, err := hp.store.db.ExecContext(ctx, `
		INSERT INTO holding_pen (external_id, matched_id, reason, job_id, snapshot)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ExternalID, entry.MatchedID, entry.Reason, entry.JobID, entry.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to insert holding pen entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get holding pen entry id: %w", err)
	}
	return nil
}

// Get returns holding pen entry id.
func (hp *HoldingPenStore) Get(ctx context.Context, id int64) (*domain.HoldingPenEntry, error) {
	var e domain.HoldingPenEntry
	if err := hp.store.x.GetContext(ctx, &e, `SELECT `+holdingPenColumns+` FROM holding_pen WHERE id = ?`, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("holding pen entry %d", id))
	}
	return &e, nil
}

// HoldingPenFilter narrows List.
type HoldingPenFilter struct {
	ExternalID string
	MatchedID  int64
	JobID      string
	Limit      int
}

// List returns entries matching filter, newest first.
func (hp *HoldingPenStore) List(ctx context.Context, filter HoldingPenFilter) ([]domain.HoldingPenEntry, error) {
	query := `SELECT ` + holdingPenColumns + ` FROM holding_pen WHERE 1=1`
	var args []interface{}
	if filter.ExternalID != "" {
		query += ` AND external_id = ?`
		args = append(args, filter.ExternalID)
	}
	if filter.MatchedID > 0 {
		query += ` AND matched_id = ?`
		args = append(args, filter.MatchedID)
	}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var out []domain.HoldingPenEntry
	if err := hp.store.x.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list holding pen: %w", err)
	}
	return out, nil
}
