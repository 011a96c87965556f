// Package upload drives records through identity resolution, revision
// verification, merging, attachment and relation handling and the commit
// pipeline.
//
// A batch runs in two phases. The first processes records one at a time in
// input order and commits each of them. The second elaborates the relations
// the records declared, once every temporary token of the batch is known.
package upload

import (
	"log/slog"
	"time"

	"github.com/lherron/bibupload/internal/attach"
	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/docstore"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/identity"
	"github.com/lherron/bibupload/internal/patch"
	"github.com/lherron/bibupload/internal/relation"
	"github.com/lherron/bibupload/internal/store"
	"github.com/lherron/bibupload/internal/ticket"
)

// Deps are the collaborators of an Engine. Attachments, Relations and
// Tickets are optional.
type Deps struct {
	Records     PrimaryStore
	History     HistoryLog
	HoldingPen  HoldingPen
	Resolver    *identity.Resolver
	Verifier    *patch.Verifier
	Attachments *attach.Synchronizer
	Relations   *relation.Elaborator
	Tickets     ticket.Ticketer
	Clock       *Clock
	KB          config.KB
	Log         *slog.Logger
}

// Engine processes records. It is not safe for concurrent batches over
// overlapping record ids.
type Engine struct {
	records   PrimaryStore
	pen       HoldingPen
	resolver  *identity.Resolver
	verifier  *patch.Verifier
	attach    *attach.Synchronizer
	relations *relation.Elaborator
	tickets   ticket.Ticketer
	committer *Committer
	archive   *Committer
	kb        config.KB
	log       *slog.Logger
}

// New creates an Engine.
func New(d Deps) *Engine {
	if d.Log == nil {
		d.Log = config.DiscardLogger()
	}
	if d.Clock == nil {
		d.Clock = NewClock()
	}
	if d.Tickets == nil {
		d.Tickets = ticket.Nop{}
	}
	return &Engine{
		records:   d.Records,
		pen:       d.HoldingPen,
		resolver:  d.Resolver,
		verifier:  d.Verifier,
		attach:    d.Attachments,
		relations: d.Relations,
		tickets:   d.Tickets,
		committer: NewCommitter(d.Records, nil, d.Clock, d.Log),
		archive:   NewCommitter(d.Records, d.History, d.Clock, d.Log),
		kb:        d.KB,
		log:       d.Log,
	}
}

// NewFromStore wires an Engine over the sqlite store, a document store
// rooted at cfg.AttachDir and the ticket endpoints of cfg.
func NewFromStore(st *store.Store, cfg *config.Config, log *slog.Logger) *Engine {
	docs := docstore.New(st.Documents, cfg.AttachDir, log)
	fetcher := attach.NewFetcher(time.Duration(cfg.FetchTimeoutS)*time.Second, 0)
	return New(Deps{
		Records:     st.Records,
		History:     st.History,
		HoldingPen:  st.HoldingPen,
		Resolver:    identity.NewResolver(st.Records, st.Records, cfg.KB, log),
		Verifier:    patch.NewVerifier(st.History, cfg.KB),
		Attachments: attach.NewSynchronizer(docs, fetcher, cfg.KB, cfg.SiteURL, log),
		Relations:   relation.NewElaborator(st.Relations, docs, log),
		Tickets:     ticket.New(cfg.TicketURL, cfg.TicketQueue, log),
		KB:          cfg.KB,
		Log:         log,
	})
}

// Options apply to every record of a batch.
type Options struct {
	Mode domain.Mode
	// Force allows creating explicitly requested ids that do not exist.
	Force bool
	// DryRun resolves, verifies and merges without writing anything.
	DryRun bool
	// NoHistory skips revision verification and history entries.
	NoHistory bool
	Actor     string
	// JobID defaults to a fresh uuid.
	JobID string
}

// Outcome is what happened to one record.
type Outcome string

const (
	OutcomeInserted   Outcome = "inserted"
	OutcomeUpdated    Outcome = "updated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeHoldingPen Outcome = "holdingpen"
	OutcomeFailed     Outcome = "failed"
)

// Result is the outcome of one record of a batch.
type Result struct {
	Index    int           `json:"index"`
	Status   domain.Status `json:"status"`
	ID       int64         `json:"id"`
	Message  string        `json:"message,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Revision string        `json:"revision,omitempty"`
	Affected string        `json:"affected,omitempty"`
	// HoldingPenID and Ticket are set for quarantined records.
	HoldingPenID int64  `json:"holdingpen_id,omitempty"`
	Ticket       string `json:"ticket,omitempty"`
	// Steps lists the document store operations that were run.
	Steps []string `json:"steps,omitempty"`
	Err   error    `json:"-"`
}

// Stats counts outcomes.
type Stats struct {
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	HoldingPen int `json:"holdingpen"`
	Errored    int `json:"errored"`
}

func (s *Stats) add(o Outcome, delta int) {
	switch o {
	case OutcomeInserted:
		s.Inserted += delta
	case OutcomeUpdated:
		s.Updated += delta
	case OutcomeUnchanged:
		s.Unchanged += delta
	case OutcomeHoldingPen:
		s.HoldingPen += delta
	case OutcomeFailed:
		s.Errored += delta
	}
}

// Total returns the number of counted records.
func (s Stats) Total() int {
	return s.Inserted + s.Updated + s.Unchanged + s.HoldingPen + s.Errored
}
