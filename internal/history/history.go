// Package history writes the append-only record history log.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
)

// Writer handles writing entries to the history log
type Writer struct {
	db *sql.DB
}

// NewWriter creates a new history writer
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Append writes an entry to the history log and sets its ID
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, entry *domain.HistoryEntry) error {
	query := `
		INSERT INTO history (record_id, revision, job_id, actor, affected, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	executor := w.getExecutor(tx)
	res, err := executor.ExecContext(ctx, query, entry.RecordID, entry.Revision, entry.JobID, entry.Actor, entry.Affected, entry.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get history entry id: %w", err)
	}

	return nil
}

// Commit describes one committed record version
type Commit struct {
	RecordID int64
	Record   *record.Record
	Affected record.AffectedFieldSet
	Actor    string
	JobID    string
}

// LogCommit archives the full snapshot of a committed record together with
// the groups that changed.
func (w *Writer) LogCommit(ctx context.Context, tx *sql.Tx, c Commit) (*domain.HistoryEntry, error) {
	entry, err := NewEntry(c)
	if err != nil {
		return nil, err
	}
	if err := w.Append(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// NewEntry builds the history entry for c without writing it.
func NewEntry(c Commit) (*domain.HistoryEntry, error) {
	rev, ok := c.Record.Control(record.RevisionTag)
	if !ok || rev == "" {
		return nil, fmt.Errorf("record %d has no revision marker", c.RecordID)
	}
	snapshot, err := record.MarshalMARCXML(c.Record)
	if err != nil {
		return nil, err
	}
	return &domain.HistoryEntry{
		RecordID: c.RecordID,
		Revision: rev,
		JobID:    c.JobID,
		Actor:    c.Actor,
		Affected: c.Affected.String(),
		Snapshot: string(snapshot),
	}, nil
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
