package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/relation"
)

// Context is the state of one batch: its identity, counters and the
// temporary tokens resolved so far.
type Context struct {
	JobID   string
	Actor   string
	Options Options
	Tmp     *relation.Tables
	Stats   Stats

	results []Result
	pending []pendingRelations
}

type pendingRelations struct {
	index int
	recID int64
	mode  domain.Mode
	decls []relation.Declaration
}

// NewContext starts a batch.
func (e *Engine) NewContext(opts Options) *Context {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Actor == "" {
		opts.Actor = "bibupload"
	}
	return &Context{
		JobID:   opts.JobID,
		Actor:   opts.Actor,
		Options: opts,
		Tmp:     relation.NewTables(e.log),
	}
}

// Report is the result of a batch.
type Report struct {
	JobID   string   `json:"job_id"`
	Results []Result `json:"results"`
	Stats   Stats    `json:"stats"`
	// Tokens maps the temporary record tokens of the batch to their ids.
	Tokens map[string]int64 `json:"tokens,omitempty"`
}

// Run processes recs in order and then elaborates their relations. A
// cancelled ctx stops the batch between records; records committed so far
// stay committed and the partial report is returned with ctx's error.
func (e *Engine) Run(ctx context.Context, recs []*record.Record, opts Options) (*Report, error) {
	bc := e.NewContext(opts)
	e.log.Info("batch started", "job", bc.JobID, "records", len(recs), "mode", opts.Mode.String(), "dry_run", opts.DryRun)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			e.log.Warn("batch cancelled", "job", bc.JobID, "processed", len(bc.results))
			return bc.report(), err
		}
		e.Process(ctx, bc, rec)
	}
	if err := e.Finish(ctx, bc); err != nil {
		return bc.report(), err
	}
	rep := bc.report()
	e.log.Info("batch finished", "job", bc.JobID, "inserted", rep.Stats.Inserted, "updated", rep.Stats.Updated,
		"unchanged", rep.Stats.Unchanged, "holdingpen", rep.Stats.HoldingPen, "errored", rep.Stats.Errored)
	return rep, nil
}

// Finish runs the relation phase of bc. A record whose relations fail is
// reported as failed; its committed content is kept.
func (e *Engine) Finish(ctx context.Context, bc *Context) error {
	pending := bc.pending
	bc.pending = nil
	if e.relations == nil {
		return nil
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := &bc.results[p.index]
		out, err := e.relations.Elaborate(ctx, p.recID, p.mode, p.decls, bc.Tmp)
		if err != nil {
			bc.Stats.add(res.Outcome, -1)
			res.Status = domain.StatusFatal
			res.Outcome = OutcomeFailed
			res.Err = err
			res.Message = "relations: " + err.Error()
			bc.Stats.add(res.Outcome, 1)
			e.log.Warn("relations failed", "id", p.recID, "error", err)
			continue
		}
		e.log.Debug("relations applied", "id", p.recID, "created", out.Created, "updated", out.Updated, "deleted", out.Deleted)
	}
	return nil
}

func (bc *Context) report() *Report {
	results := make([]Result, len(bc.results))
	copy(results, bc.results)
	return &Report{JobID: bc.JobID, Results: results, Stats: bc.Stats, Tokens: bc.Tmp.Records()}
}

// Results returns the results recorded so far.
func (bc *Context) Results() []Result {
	return bc.report().Results
}

// ExitCode returns the process exit code for the report: 0 when no record
// failed, 5 on partial success, 1 when every record failed. Quarantined
// records are not failures.
func (r *Report) ExitCode() int {
	if r.Stats.Errored == 0 {
		return 0
	}
	if r.Stats.Errored < len(r.Results) {
		return 5
	}
	return 1
}

// PrintSummary prints a human-readable summary of the report.
func (r *Report) PrintSummary(w io.Writer) {
	s := r.Stats
	switch {
	case s.Errored == 0:
		fmt.Fprintf(w, "\n✓ All %d records processed\n", len(r.Results))
	case s.Errored == len(r.Results):
		fmt.Fprintf(w, "\n✗ All %d records failed\n", len(r.Results))
	default:
		fmt.Fprintf(w, "\n⚠ Partial success: %d failed (out of %d)\n", s.Errored, len(r.Results))
	}
	fmt.Fprintf(w, "  inserted %d, updated %d, unchanged %d, holding pen %d, errored %d\n",
		s.Inserted, s.Updated, s.Unchanged, s.HoldingPen, s.Errored)

	var failed []Result
	for _, res := range r.Results {
		if res.Status != domain.StatusOK {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return
	}
	shown := failed
	if len(shown) > 10 {
		shown = shown[:10]
		fmt.Fprintf(w, "\nShowing first 10 problems (of %d):\n", len(failed))
	} else {
		fmt.Fprintf(w, "\nProblems:\n")
	}
	for _, res := range shown {
		fmt.Fprintf(w, "  #%d (id %d) %s: %s\n", res.Index, res.ID, res.Status, res.Message)
	}
}
