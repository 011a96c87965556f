// Package relation elaborates the document relations declared by records.
//
// Declarations are BDR fields. They run in a second pass over the batch so
// that an endpoint may name a document created by an earlier record through
// a temporary token.
package relation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
)

// Command is the control command of a declaration.
type Command int

const (
	CommandNone Command = iota
	CommandDelete
)

func (c Command) String() string {
	if c == CommandDelete {
		return "DELETE"
	}
	return "NONE"
}

// Ref is an endpoint as declared. DocID and Version are either numbers or
// temporary identifiers; Docname is resolved against the declaring
// record's own documents.
type Ref struct {
	DocID   string
	Version string
	Format  string
	Docname string
}

// Declaration is one parsed BDR field.
type Declaration struct {
	RelationID int64
	From, To   Ref
	Type       string
	Meta       map[string]string
	Command    Command
}

// ParseDeclarations reads every field matching tag from rec.
func ParseDeclarations(rec *record.Record, tag string) ([]Declaration, error) {
	var out []Declaration
	for _, f := range rec.Fields(tag) {
		d, err := parseField(f)
		if err != nil {
			return nil, domain.Wrap(domain.KindInvalidRecord, err, "%s field %d", tag, f.Pos)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseField(f record.Field) (Declaration, error) {
	d := Declaration{Meta: make(map[string]string)}
	var key string
	for _, sf := range f.Subfields {
		v := strings.TrimSpace(sf.Value)
		switch sf.Code {
		case "r":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return d, fmt.Errorf("invalid relation id %q", v)
			}
			d.RelationID = n
		case "i":
			d.From.DocID = v
		case "v":
			d.From.Version = v
		case "f":
			d.From.Format = domain.NormalizeFormat(v)
		case "n":
			d.From.Docname = v
		case "j":
			d.To.DocID = v
		case "w":
			d.To.Version = v
		case "g":
			d.To.Format = domain.NormalizeFormat(v)
		case "o":
			d.To.Docname = v
		case "t":
			d.Type = v
		case "k":
			key = v
		case "e":
			if key == "" {
				return d, fmt.Errorf("value %q without a key", v)
			}
			d.Meta[key] = v
			key = ""
		case "c":
			if !strings.EqualFold(v, "DELETE") {
				return d, fmt.Errorf("unknown relation command %q", v)
			}
			d.Command = CommandDelete
		}
	}
	if key != "" {
		return d, fmt.Errorf("key %q without a value", key)
	}
	if d.RelationID == 0 && d.Type == "" {
		return d, fmt.Errorf("relation type is required without a relation id")
	}
	return d, nil
}

// Store persists relations. store.RelationStore implements it.
type Store interface {
	Create(ctx context.Context, rel domain.Relation) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Relation, error)
	Matching(ctx context.Context, filter store.RelationFilter) ([]domain.Relation, error)
	SetMeta(ctx context.Context, id int64, meta map[string]string) error
	ClearMeta(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Documents resolves docnames and default versions.
type Documents interface {
	Documents(ctx context.Context, recID int64) ([]domain.Document, error)
	LatestFiles(ctx context.Context, docID int64) ([]domain.DocumentFile, error)
}

// Result counts what Elaborate did.
type Result struct {
	Created int
	Updated int
	Deleted int
}

// Elaborator applies relation declarations.
type Elaborator struct {
	store Store
	docs  Documents
	log   *slog.Logger
}

// NewElaborator creates an Elaborator.
func NewElaborator(s Store, docs Documents, log *slog.Logger) *Elaborator {
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Elaborator{store: s, docs: docs, log: log}
}

// Elaborate applies decls of record recID. Replace clears the payload of
// an existing relation before applying the declared keys; other modes add
// or update keys.
func (e *Elaborator) Elaborate(ctx context.Context, recID int64, mode domain.Mode, decls []Declaration, tmp *Tables) (Result, error) {
	var res Result
	for _, d := range decls {
		if err := e.apply(ctx, recID, mode, d, tmp, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Elaborator) apply(ctx context.Context, recID int64, mode domain.Mode, d Declaration, tmp *Tables, res *Result) error {
	var (
		rel *domain.Relation
		err error
	)
	if d.RelationID != 0 {
		rel, err = e.store.Get(ctx, d.RelationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Wrap(domain.KindInvalidRecord, err, "relation %d", d.RelationID)
			}
			return domain.Wrap(domain.KindPersistenceFailure, err, "load relation %d", d.RelationID)
		}
	} else {
		from, err := e.resolve(ctx, recID, d.From, tmp)
		if err != nil {
			return err
		}
		to, err := e.resolve(ctx, recID, d.To, tmp)
		if err != nil {
			return err
		}
		found, err := e.store.Matching(ctx, store.RelationFilter{From: from, To: to, Type: d.Type})
		if err != nil {
			return domain.Wrap(domain.KindPersistenceFailure, err, "find relation")
		}
		if len(found) == 0 {
			if d.Command == CommandDelete {
				e.log.Debug("relation to delete does not exist", "record", recID, "from", from.String(), "to", to.String())
				return nil
			}
			newID, err := e.store.Create(ctx, domain.Relation{From: from, To: to, Type: d.Type, Meta: d.Meta})
			if err != nil {
				return domain.Wrap(domain.KindPersistenceFailure, err, "create relation")
			}
			res.Created++
			e.log.Info("created relation", "record", recID, "id", newID, "type", d.Type,
				"from", from.String(), "to", to.String())
			return nil
		}
		rel = &found[0]
	}

	if d.Command == CommandDelete {
		if err := e.store.Delete(ctx, rel.ID); err != nil {
			return domain.Wrap(domain.KindPersistenceFailure, err, "delete relation %d", rel.ID)
		}
		res.Deleted++
		e.log.Info("deleted relation", "record", recID, "id", rel.ID)
		return nil
	}

	if mode == domain.ModeReplace || mode == domain.ModeReplaceOrInsert {
		if err := e.store.ClearMeta(ctx, rel.ID); err != nil {
			return domain.Wrap(domain.KindPersistenceFailure, err, "clear relation %d", rel.ID)
		}
	}
	if len(d.Meta) > 0 {
		if err := e.store.SetMeta(ctx, rel.ID, d.Meta); err != nil {
			return domain.Wrap(domain.KindPersistenceFailure, err, "update relation %d", rel.ID)
		}
	}
	res.Updated++
	return nil
}

// resolve turns a declared endpoint into stored ids.
func (e *Elaborator) resolve(ctx context.Context, recID int64, ref Ref, tmp *Tables) (domain.Endpoint, error) {
	ep := domain.Endpoint{Format: ref.Format}

	switch {
	case id.IsTmp(ref.DocID):
		tok, _ := id.TmpToken(ref.DocID)
		docID, ok := tmp.Doc(tok)
		if !ok {
			return ep, domain.Errorf(domain.KindRelationUnresolvedToken, "document token %s is not resolved", ref.DocID)
		}
		ep.DocID = docID
	case ref.DocID != "":
		n, err := strconv.ParseInt(ref.DocID, 10, 64)
		if err != nil || n <= 0 {
			return ep, domain.Errorf(domain.KindInvalidRecord, "invalid document id %q", ref.DocID)
		}
		ep.DocID = n
	case ref.Docname != "":
		docs, err := e.docs.Documents(ctx, recID)
		if err != nil {
			return ep, domain.Wrap(domain.KindPersistenceFailure, err, "list documents of record %d", recID)
		}
		for _, doc := range docs {
			if doc.Docname == ref.Docname {
				ep.DocID = doc.ID
			}
		}
		if ep.DocID == 0 {
			return ep, domain.Errorf(domain.KindInvalidRecord, "record %d has no document %q", recID, ref.Docname)
		}
	default:
		return ep, domain.Errorf(domain.KindInvalidRecord, "endpoint names no document")
	}

	switch {
	case id.IsTmp(ref.Version):
		tok, _ := id.TmpToken(ref.Version)
		v, ok := tmp.Version(tok)
		if !ok {
			return ep, domain.Errorf(domain.KindRelationUnresolvedToken, "version token %s is not resolved", ref.Version)
		}
		ep.Version = v
	case ref.Version != "":
		n, err := strconv.Atoi(ref.Version)
		if err != nil || n <= 0 {
			return ep, domain.Errorf(domain.KindInvalidRecord, "invalid version %q", ref.Version)
		}
		ep.Version = n
	default:
		files, err := e.docs.LatestFiles(ctx, ep.DocID)
		if err != nil {
			return ep, domain.Wrap(domain.KindPersistenceFailure, err, "latest version of document %d", ep.DocID)
		}
		if len(files) > 0 {
			ep.Version = files[0].Version
		}
	}
	return ep, nil
}
