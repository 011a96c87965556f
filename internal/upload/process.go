package upload

import (
	"context"
	"errors"
	"strings"

	"github.com/lherron/bibupload/internal/attach"
	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/identity"
	"github.com/lherron/bibupload/internal/merge"
	"github.com/lherron/bibupload/internal/patch"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/relation"
	"github.com/lherron/bibupload/internal/ticket"
)

// Process runs one record through the first phase of the batch bc and
// records its result. Relations it declares are queued for Finish.
func (e *Engine) Process(ctx context.Context, bc *Context, rec *record.Record) Result {
	res := Result{Index: len(bc.results)}
	e.process(ctx, bc, rec, &res)
	if res.Err != nil {
		res.Status = domain.StatusFatal
		res.Outcome = OutcomeFailed
		res.Message = res.Err.Error()
		e.log.Warn("record failed", "index", res.Index, "id", res.ID, "error", res.Err)
	}
	bc.results = append(bc.results, res)
	bc.Stats.add(res.Outcome, 1)
	return res
}

func (e *Engine) process(ctx context.Context, bc *Context, submitted *record.Record, res *Result) {
	opts := bc.Options
	incoming := submitted.Clone()

	// Attachment and relation declarations are instructions, not content.
	var (
		files []attach.Declaration
		rels  []relation.Declaration
		err   error
	)
	if e.attach != nil {
		if files, err = attach.ParseDeclarations(incoming, e.kb.AttachmentTag); err != nil {
			res.Err = err
			return
		}
	}
	if rels, err = relation.ParseDeclarations(incoming, e.kb.RelationTag); err != nil {
		res.Err = err
		return
	}
	incoming.Delete(e.kb.AttachmentTag)
	incoming.Delete(e.kb.RelationTag)

	resolution, err := e.resolver.Resolve(ctx, incoming, opts.Mode, identity.Options{Force: opts.Force, DryRun: opts.DryRun})
	if err != nil {
		res.Err = err
		if kind := domain.KindOf(err); kind == domain.KindIdentityExists || kind == domain.KindIdentityAmbiguous {
			var de *domain.Error
			if errors.As(err, &de) {
				res.ID = de.RecordID
			}
		}
		return
	}
	recID := resolution.ID
	res.ID = recID
	// An id minted for this record goes back if nothing gets committed.
	committed := false
	if resolution.Minted && recID != 0 {
		defer func() {
			if committed {
				if resolution.TmpToken != "" {
					bc.Tmp.ResolveRecord(resolution.TmpToken, recID)
				}
				return
			}
			if err := e.records.Release(ctx, recID); err != nil {
				e.log.Warn("failed to release record id", "id", recID, "error", err)
			}
		}()
	}

	var current *record.Record
	if resolution.Existing {
		if current, err = e.records.Load(ctx, recID); err != nil {
			res.Err = domain.Wrap(domain.KindPersistenceFailure, err, "load record %d", recID)
			return
		}
	}

	mode := opts.Mode
	if mode == domain.ModeReplaceOrInsert {
		mode = domain.ModeInsert
		if current != nil {
			mode = domain.ModeReplace
		}
	}
	// Relations follow the requested mode even when a revision patch
	// turns the record update into a correction.
	relMode := mode

	unchanged := false
	if _, marked := incoming.Control(record.RevisionTag); marked && current != nil && !opts.NoHistory {
		verdict, err := e.verifier.Verify(ctx, recID, incoming, current, mode)
		switch {
		case err == nil && verdict.Outcome == patch.Unchanged:
			unchanged = true
		case err == nil:
			incoming, mode = verdict.Record, verdict.Mode
		case domain.KindOf(err) == domain.KindMissing005 && e.kb.Missing005Policy() == config.Missing005Fallback:
			e.log.Info("stored record has no revision marker, merging without a patch", "id", recID)
			incoming.Delete(record.RevisionTag)
		case domain.KindOf(err).Routing() == domain.RouteFatal:
			res.Err = err
			return
		default:
			e.hold(ctx, bc, res, submitted, current, recID, err)
			return
		}
	}

	var (
		merged   *record.Record
		affected record.AffectedFieldSet
	)
	if unchanged {
		merged, affected = current, record.NewAffected()
	} else {
		m, err := merge.Merge(incoming, current, mode, e.kb)
		if err != nil {
			res.Err = err
			return
		}
		merged, affected = m.Record, m.Affected
	}

	if opts.DryRun {
		res.Outcome = outcomeOf(current, affected)
		res.Affected = affected.String()
		res.Message = "dry run"
		return
	}

	var synced attach.Result
	if e.attach != nil {
		ar, err := e.attach.Synchronize(ctx, merged, recID, mode, files)
		if err != nil {
			res.Err = err
			e.discard(ctx, recID, ar)
			return
		}
		synced = ar
		merged = ar.Record
		affected.Union(ar.Affected)
		for _, st := range ar.Steps {
			res.Steps = append(res.Steps, st.String())
		}
		for tok, docID := range ar.DocTokens {
			bc.Tmp.ResolveDoc(tok, docID)
		}
		for tok, v := range ar.VersionTokens {
			bc.Tmp.ResolveVersion(tok, v)
		}
	}

	queue := func() {
		if len(rels) > 0 {
			bc.pending = append(bc.pending, pendingRelations{index: res.Index, recID: recID, mode: relMode, decls: rels})
		}
	}

	res.Outcome = outcomeOf(current, affected)
	if res.Outcome == OutcomeUnchanged {
		committed = current != nil
		if committed {
			queue()
		}
		return
	}

	c := e.archive
	if opts.NoHistory {
		c = e.committer
	}
	out, err := c.Commit(ctx, Change{
		RecordID: recID,
		Mode:     mode,
		Merged:   merged,
		Affected: affected,
		Old:      current,
		Actor:    bc.Actor,
		JobID:    bc.JobID,
	})
	if err != nil {
		res.Err = err
		e.discard(ctx, recID, synced)
		return
	}
	committed = true
	queue()
	res.Revision, _ = out.Control(record.RevisionTag)
	res.Affected = affected.String()
	e.log.Info("record "+string(res.Outcome), "id", recID, "mode", mode.String(), "revision", res.Revision)
}

// discard drops the documents a failed record created.
func (e *Engine) discard(ctx context.Context, recID int64, ar attach.Result) {
	if e.attach == nil || len(ar.Created) == 0 {
		return
	}
	if err := e.attach.Discard(ctx, ar); err != nil {
		e.log.Warn("failed to discard documents of an uncommitted record", "id", recID, "error", err)
		return
	}
	e.log.Info("discarded documents of an uncommitted record", "id", recID, "documents", len(ar.Created))
}

func outcomeOf(current *record.Record, affected record.AffectedFieldSet) Outcome {
	switch {
	case current == nil:
		return OutcomeInserted
	case affected.Len() == 0:
		return OutcomeUnchanged
	default:
		return OutcomeUpdated
	}
}

// hold quarantines submitted and opens a ticket about it. The primary store
// is not touched.
func (e *Engine) hold(ctx context.Context, bc *Context, res *Result, submitted, current *record.Record, matched int64, cause error) {
	reason := domain.KindOf(cause).String()
	res.Status = domain.StatusHoldingPen
	res.Outcome = OutcomeHoldingPen
	res.Message = cause.Error()
	if bc.Options.DryRun {
		return
	}

	snapshot, err := record.MarshalMARCXML(submitted)
	if err != nil {
		res.Err = domain.Wrap(domain.KindInvalidRecord, err, "serialize submission")
		return
	}
	entry := &domain.HoldingPenEntry{
		ExternalID: externalID(submitted, e.kb),
		MatchedID:  matched,
		Reason:     reason,
		JobID:      bc.JobID,
		Snapshot:   string(snapshot),
	}
	if err := e.pen.Insert(ctx, entry); err != nil {
		res.Err = domain.Wrap(domain.KindPersistenceFailure, err, "insert into holding pen")
		return
	}
	res.HoldingPenID = entry.ID
	e.log.Warn("record sent to the holding pen", "id", matched, "entry", entry.ID, "reason", reason)

	tid, err := e.tickets.OpenTicket(ctx, matched, reason, ticket.ConflictText(matched, cause.Error(), current, submitted))
	if err != nil {
		e.log.Warn("failed to open ticket", "id", matched, "error", err)
		return
	}
	res.Ticket = tid
}

// externalID names a submission by the first identifier it carries: system
// number, OAI id or record id.
func externalID(rec *record.Record, kb config.KB) string {
	for _, s := range []string{kb.SysnoTag, kb.OAITag, kb.InternalOAITag} {
		spec, ok := config.Spec(s)
		if !ok {
			continue
		}
		for _, v := range rec.Values(spec) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	v, _ := rec.Control(record.IdentifierTag)
	return strings.TrimSpace(v)
}
