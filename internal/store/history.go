package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/history"
	"github.com/lherron/bibupload/internal/record"
)

// HistoryStore handles the append-only history log.
type HistoryStore struct {
	store *Store
}

const historyColumns = `id, record_id, revision, job_id, actor, affected, snapshot, created_at`

// Append writes entry in its own transaction and sets entry.ID.
func (hs *HistoryStore) Append(ctx context.Context, entry *domain.HistoryEntry) error {
	return hs.store.withTx(ctx, func(tx *sql.Tx, hw *history.Writer) error {
		return hw.Append(ctx, tx, entry)
	})
}

// Get returns the entry of record recID with the given revision.
func (hs *HistoryStore) Get(ctx context.Context, recID int64, revision string) (*domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	err := hs.store.x.GetContext(ctx, &e, `
		SELECT `+historyColumns+` FROM history
		WHERE record_id = ? AND revision = ?
	`, recID, revision)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("history of record %d at %s", recID, revision))
	}
	return &e, nil
}

// Latest returns the most recent entry of record recID.
func (hs *HistoryStore) Latest(ctx context.Context, recID int64) (*domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	err := hs.store.x.GetContext(ctx, &e, `
		SELECT `+historyColumns+` FROM history
		WHERE record_id = ? ORDER BY revision DESC LIMIT 1
	`, recID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("history of record %d", recID))
	}
	return &e, nil
}

// List returns the entries of record recID, oldest first.
func (hs *HistoryStore) List(ctx context.Context, recID int64) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	if err := hs.store.x.SelectContext(ctx, &out, `
		SELECT `+historyColumns+` FROM history
		WHERE record_id = ? ORDER BY revision
	`, recID); err != nil {
		return nil, fmt.Errorf("failed to list history of record %d: %w", recID, err)
	}
	return out, nil
}

// ListJob returns every entry written by one batch.
func (hs *HistoryStore) ListJob(ctx context.Context, jobID string) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	if err := hs.store.x.SelectContext(ctx, &out, `
		SELECT `+historyColumns+` FROM history
		WHERE job_id = ? ORDER BY id
	`, jobID); err != nil {
		return nil, fmt.Errorf("failed to list history of job %s: %w", jobID, err)
	}
	return out, nil
}

// Snapshot returns record recID as committed at revision.
func (hs *HistoryStore) Snapshot(ctx context.Context, recID int64, revision string) (*record.Record, error) {
	e, err := hs.Get(ctx, recID, revision)
	if err != nil {
		return nil, err
	}
	rec, err := record.ParseMARCXML([]byte(e.Snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot of record %d at %s: %w", recID, revision, err)
	}
	return rec, nil
}
