package upload

import (
	"context"
	"log/slog"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/history"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
)

// PrimaryStore holds the current version of every record.
// store.RecordStore implements it.
type PrimaryStore interface {
	Load(ctx context.Context, id int64) (*record.Record, error)
	WriteGroups(ctx context.Context, id int64, rec *record.Record, groups record.AffectedFieldSet, revision string) error
	Restore(ctx context.Context, id int64, old *record.Record, groups record.AffectedFieldSet) error
	Release(ctx context.Context, id int64) error
}

// HistoryLog is the append-only archive of committed versions.
type HistoryLog interface {
	Append(ctx context.Context, entry *domain.HistoryEntry) error
}

// HoldingPen quarantines submissions that could not be applied safely.
type HoldingPen interface {
	Insert(ctx context.Context, entry *domain.HoldingPenEntry) error
}

// Change is one record version ready to be committed.
type Change struct {
	RecordID int64
	Mode     domain.Mode
	Merged   *record.Record
	Affected record.AffectedFieldSet
	// Old is the stored version before the change, nil on insert.
	Old   *record.Record
	Actor string
	JobID string
}

// Committer writes merged records and their history entries.
type Committer struct {
	records PrimaryStore
	history HistoryLog
	clock   *Clock
	log     *slog.Logger
}

// NewCommitter creates a Committer. A nil history log disables history
// entries.
func NewCommitter(records PrimaryStore, hl HistoryLog, clock *Clock, log *slog.Logger) *Committer {
	if clock == nil {
		clock = NewClock()
	}
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Committer{records: records, history: hl, clock: clock, log: log}
}

// Commit stamps a fresh revision marker on the merged record, writes the
// affected groups and appends the history entry. When a step fails after
// rows were written the old version is put back and a PersistenceFailure
// is returned. The committed record is returned on success.
func (c *Committer) Commit(ctx context.Context, ch Change) (*record.Record, error) {
	var stored string
	if ch.Old != nil {
		stored, _ = ch.Old.Control(record.RevisionTag)
	}
	revision := c.clock.Next(stored)

	out := ch.Merged.Clone()
	out.SetControl(record.IdentifierTag, id.FormatRecord(ch.RecordID))
	out.SetControl(record.RevisionTag, revision)

	groups := record.NewAffected()
	groups.Union(ch.Affected)
	for _, tag := range []string{record.IdentifierTag, record.RevisionTag} {
		for _, f := range out.Fields(tag) {
			groups.AddKey(f.Key())
		}
	}

	if err := c.records.WriteGroups(ctx, ch.RecordID, out, groups, revision); err != nil {
		// The write is one transaction; nothing to undo.
		return nil, domain.Wrap(domain.KindPersistenceFailure, err, "write record %d", ch.RecordID)
	}

	if c.history != nil {
		entry, err := history.NewEntry(history.Commit{
			RecordID: ch.RecordID,
			Record:   out,
			Affected: groups,
			Actor:    ch.Actor,
			JobID:    ch.JobID,
		})
		if err == nil {
			err = c.history.Append(ctx, entry)
		}
		if err != nil {
			return nil, c.restore(ctx, ch, groups, err)
		}
	}

	c.log.Debug("committed record", "id", ch.RecordID, "mode", ch.Mode.String(),
		"revision", revision, "affected", groups.String())
	return out, nil
}

// restore writes back the pre-commit version of the groups touched by a
// failed commit and returns the error to surface.
func (c *Committer) restore(ctx context.Context, ch Change, groups record.AffectedFieldSet, cause error) error {
	if err := c.records.Restore(ctx, ch.RecordID, ch.Old, groups); err != nil {
		c.log.Error("compensating restore failed", "id", ch.RecordID, "error", err)
		return &domain.Error{
			Code:     domain.KindPersistenceFailure,
			RecordID: ch.RecordID,
			Message:  "history append failed and the previous version could not be restored: " + err.Error(),
			Err:      cause,
		}
	}
	c.log.Warn("restored previous version after failed commit", "id", ch.RecordID, "error", cause)
	return &domain.Error{
		Code:     domain.KindPersistenceFailure,
		RecordID: ch.RecordID,
		Message:  "history append failed; previous version restored",
		Err:      cause,
	}
}
