package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
)

// HistoryLookup returns historic versions of a record. A revision that was
// never committed yields an error wrapping store.ErrNotFound.
type HistoryLookup interface {
	Snapshot(ctx context.Context, recID int64, revision string) (*record.Record, error)
}

// Outcome is the kind of a successful verification.
type Outcome int

const (
	// Unchanged means the incoming record changes nothing.
	Unchanged Outcome = iota + 1
	// Patched means Verdict.Patch holds the minimal change set.
	Patched
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Patched:
		return "patched"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Verdict is the result of Verify.
type Verdict struct {
	Outcome Outcome
	// Mode is always Correct for a patched verdict.
	Mode  domain.Mode
	Patch Patch
	// Record is the patch rendered for a Correct merge, identifier included.
	Record   *record.Record
	Affected record.AffectedFieldSet
}

// ConflictError reports groups changed both by the caller and by a commit
// made after the caller's revision.
type ConflictError struct {
	RecordID  int64
	Revision  string
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	keys := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		keys[i] = c.Key.String()
	}
	return fmt.Sprintf("ConflictingRevisions: record %d changed since %s in %s",
		e.RecordID, e.Revision, strings.Join(keys, ","))
}

// Kind implements domain.KindError.
func (e *ConflictError) Kind() domain.Kind {
	return domain.KindConflictingRevisions
}

// Is matches domain.ErrConflictingRevisions.
func (e *ConflictError) Is(target error) bool {
	return target == domain.ErrConflictingRevisions
}

// Verifier checks the revision marker of incoming records.
type Verifier struct {
	history  HistoryLookup
	isStrong func(tag string) bool
}

// NewVerifier creates a Verifier. Strong tags of kb are never dropped by a
// replace patch when the incoming record omits them.
func NewVerifier(history HistoryLookup, kb config.KB) *Verifier {
	return &Verifier{history: history, isStrong: kb.IsStrong}
}

// Verify derives the minimal patch reproducing the caller's intent on
// current. It is meant for records carrying a revision marker under
// Replace, ReplaceOrInsert or Correct against an existing record.
func (v *Verifier) Verify(ctx context.Context, recID int64, incoming, current *record.Record, mode domain.Mode) (Verdict, error) {
	switch mode {
	case domain.ModeReplace, domain.ModeReplaceOrInsert, domain.ModeCorrect:
	default:
		return Verdict{}, &domain.Error{Code: domain.KindInvalidRevision, RecordID: recID,
			Message: fmt.Sprintf("revision marker is not accepted in mode %s", mode)}
	}

	incRev, ok := incoming.Control(record.RevisionTag)
	if !ok {
		return Verdict{}, &domain.Error{Code: domain.KindInvalidRevision, RecordID: recID, Message: "no revision marker"}
	}
	if !id.IsRevision(incRev) {
		return Verdict{}, &domain.Error{Code: domain.KindInvalidRevision, RecordID: recID,
			Message: fmt.Sprintf("malformed revision marker %q", incRev)}
	}
	curRev, ok := current.Control(record.RevisionTag)
	if !ok || curRev == "" {
		return Verdict{}, &domain.Error{Code: domain.KindMissing005, RecordID: recID, Message: "stored record has no revision marker"}
	}

	keep := v.filter(incoming, mode)

	var p Patch
	switch {
	// The fixed-width layout sorts chronologically.
	case incRev > curRev:
		return Verdict{}, &domain.Error{Code: domain.KindInvalidRevision, RecordID: recID,
			Message: fmt.Sprintf("revision %s is newer than stored %s", incRev, curRev)}

	case incRev == curRev:
		p = Diff(current, incoming, keep)

	default:
		base, err := v.history.Snapshot(ctx, recID, incRev)
		if errors.Is(err, store.ErrNotFound) {
			return Verdict{}, &domain.Error{Code: domain.KindInvalidRevision, RecordID: recID,
				Message: fmt.Sprintf("revision %s not found in history", incRev)}
		}
		if err != nil {
			return Verdict{}, domain.Wrap(domain.KindPersistenceFailure, err, "load revision %s", incRev)
		}
		res := Merge3Way(base, current, incoming, keep)
		if res.HasConflict {
			return Verdict{}, &ConflictError{RecordID: recID, Revision: incRev, Conflicts: res.Conflicts}
		}
		p = res.Patch
	}

	if len(p) == 0 {
		return Verdict{Outcome: Unchanged, Mode: mode, Affected: record.NewAffected()}, nil
	}
	out := p.Record()
	out.SetControl(record.IdentifierTag, id.FormatRecord(recID))
	return Verdict{
		Outcome:  Patched,
		Mode:     domain.ModeCorrect,
		Patch:    p,
		Record:   out,
		Affected: p.Affected(),
	}, nil
}

// filter returns the tags the caller may touch: those of the incoming
// record for Correct, every tag for Replace except strong tags it omits.
func (v *Verifier) filter(incoming *record.Record, mode domain.Mode) TagFilter {
	if mode == domain.ModeCorrect {
		return func(tag string) bool { return incoming.Has(tag) }
	}
	return func(tag string) bool {
		return incoming.Has(tag) || v.isStrong == nil || !v.isStrong(tag)
	}
}
