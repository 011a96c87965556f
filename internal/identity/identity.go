// Package identity maps an incoming record onto a persisted record id.
//
// Strategies are tried in a fixed order: the identifier tag, the external
// system number, the external OAI id filtered by provenance, the internal
// OAI id and finally the DOI. The first strategy yielding a match wins.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
)

// Lookup answers identity queries against the primary store.
type Lookup interface {
	FindBySubfield(ctx context.Context, spec record.TagSpec, value string, fold bool) ([]int64, error)
	Exists(ctx context.Context, id int64) (bool, error)
	Load(ctx context.Context, id int64) (*record.Record, error)
}

// Allocator reserves record ids.
type Allocator interface {
	Allocate(ctx context.Context) (int64, error)
	AllocateID(ctx context.Context, id int64) error
}

// Strategy names the rule that produced a match.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyRecordID
	StrategySysno
	StrategyOAI
	StrategyInternalOAI
	StrategyDOI
)

func (s Strategy) String() string {
	switch s {
	case StrategyRecordID:
		return "001"
	case StrategySysno:
		return "sysno"
	case StrategyOAI:
		return "oai"
	case StrategyInternalOAI:
		return "internal-oai"
	case StrategyDOI:
		return "doi"
	default:
		return "none"
	}
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	ID       int64
	Strategy Strategy
	// Existing is true when ID names a record that was already persisted.
	Existing bool
	// Minted is true when ID was allocated by this call.
	Minted bool
	// TmpToken is set when the record declared a temporary id in 001.
	TmpToken string
}

// Options tunes a single resolution.
type Options struct {
	// Force allows allocating an explicitly requested id that does not exist.
	Force bool
	// DryRun resolves without allocating ids.
	DryRun bool
}

// Resolver runs the strategies against a Lookup.
type Resolver struct {
	lookup Lookup
	alloc  Allocator
	kb     config.KB
	log    *slog.Logger
}

// NewResolver creates a Resolver. A nil logger discards output.
func NewResolver(lookup Lookup, alloc Allocator, kb config.KB, log *slog.Logger) *Resolver {
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Resolver{lookup: lookup, alloc: alloc, kb: kb, log: log}
}

// Resolve finds the persisted id of rec under mode. When a fresh id is
// minted or a match is found, it is written back into the identifier tag.
func (r *Resolver) Resolve(ctx context.Context, rec *record.Record, mode domain.Mode, opts Options) (Resolution, error) {
	res, explicit, err := r.find(ctx, rec)
	if err != nil {
		return Resolution{}, err
	}

	if res.ID != 0 {
		if mode == domain.ModeInsert {
			return Resolution{}, &domain.Error{
				Code:     domain.KindIdentityExists,
				RecordID: res.ID,
				Message:  fmt.Sprintf("insert matched an existing record by %s", res.Strategy),
			}
		}
		res.Existing = true
		rec.SetControl(record.IdentifierTag, id.FormatRecord(res.ID))
		r.log.Debug("identity resolved", "id", res.ID, "strategy", res.Strategy.String())
		return res, nil
	}

	switch {
	case explicit != 0:
		// An explicit numeric 001 that does not exist.
		if !opts.Force || mode.RequiresExisting() {
			return Resolution{}, &domain.Error{
				Code:     domain.KindIdentityNotFound,
				RecordID: explicit,
				Message:  "requested id does not exist",
			}
		}
		if !opts.DryRun {
			if err := r.alloc.AllocateID(ctx, explicit); err != nil {
				return Resolution{}, domain.Wrap(domain.KindPersistenceFailure, err, "allocate id %d", explicit)
			}
		}
		r.log.Info("allocated requested id", "id", explicit)
		return Resolution{ID: explicit, Strategy: StrategyRecordID, Minted: true}, nil

	case mode.RequiresExisting():
		return Resolution{}, domain.Errorf(domain.KindIdentityNotFound, "no stored record matches (mode %s)", mode)
	}

	// Insert, or ReplaceOrInsert without any match: mint.
	out := Resolution{TmpToken: res.TmpToken, Minted: true}
	if opts.DryRun {
		return out, nil
	}
	newID, err := r.alloc.Allocate(ctx)
	if err != nil {
		return Resolution{}, domain.Wrap(domain.KindPersistenceFailure, err, "allocate id")
	}
	out.ID = newID
	rec.SetControl(record.IdentifierTag, id.FormatRecord(newID))
	r.log.Debug("minted id", "id", newID)
	return out, nil
}

// find runs the strategies in order. explicit is the numeric 001 value
// when one was given but not found.
func (r *Resolver) find(ctx context.Context, rec *record.Record) (res Resolution, explicit int64, err error) {
	if v, ok := rec.Control(record.IdentifierTag); ok && strings.TrimSpace(v) != "" {
		typ, n, token, perr := id.Parse(strings.TrimSpace(v))
		if perr != nil {
			return res, 0, domain.Wrap(domain.KindInvalidRecord, perr, "identifier tag")
		}
		if typ == id.TypeTmp {
			// A temporary id declares a record that does not exist yet.
			rec.Delete(record.IdentifierTag)
			return Resolution{TmpToken: token}, 0, nil
		}
		exists, lerr := r.lookup.Exists(ctx, n)
		if lerr != nil {
			return res, 0, domain.Wrap(domain.KindPersistenceFailure, lerr, "look up id %d", n)
		}
		if exists {
			return Resolution{ID: n, Strategy: StrategyRecordID}, 0, nil
		}
		return res, n, nil
	}

	steps := []struct {
		strategy Strategy
		find     func(context.Context, *record.Record) (int64, error)
	}{
		{StrategySysno, r.bySysno},
		{StrategyOAI, r.byOAI},
		{StrategyInternalOAI, r.byInternalOAI},
		{StrategyDOI, r.byDOI},
	}
	for _, step := range steps {
		found, serr := step.find(ctx, rec)
		if serr != nil {
			return res, 0, serr
		}
		if found != 0 {
			return Resolution{ID: found, Strategy: step.strategy}, 0, nil
		}
	}
	return res, 0, nil
}

func (r *Resolver) bySysno(ctx context.Context, rec *record.Record) (int64, error) {
	return r.byValue(ctx, rec, r.kb.SysnoTag, "system number")
}

func (r *Resolver) byInternalOAI(ctx context.Context, rec *record.Record) (int64, error) {
	return r.byValue(ctx, rec, r.kb.InternalOAITag, "internal OAI id")
}

// byValue matches the first value of specStr. Several stored records with
// the same value are ambiguous.
func (r *Resolver) byValue(ctx context.Context, rec *record.Record, specStr, what string) (int64, error) {
	spec, ok := config.Spec(specStr)
	if !ok {
		return 0, nil
	}
	for _, v := range rec.Values(spec) {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		ids, err := r.lookup.FindBySubfield(ctx, spec, v, false)
		if err != nil {
			return 0, domain.Wrap(domain.KindPersistenceFailure, err, "look up %s", what)
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			return ids[0], nil
		default:
			return 0, domain.Errorf(domain.KindIdentityAmbiguous, "%s %q matches records %v", what, v, ids)
		}
	}
	return 0, nil
}

// byOAI matches the external OAI id. A stored record only counts when it
// carries the same id with the same provenance; a missing provenance only
// matches a missing provenance.
func (r *Resolver) byOAI(ctx context.Context, rec *record.Record) (int64, error) {
	spec, ok := config.Spec(r.kb.OAITag)
	if !ok {
		return 0, nil
	}
	provSpec, _ := config.Spec(r.kb.OAIProvenanceTag)

	for _, f := range rec.Match(spec) {
		oai, ok := f.First(spec.Code)
		if !ok || strings.TrimSpace(oai) == "" {
			continue
		}
		prov := provenanceOf(f, provSpec)

		candidates, err := r.lookup.FindBySubfield(ctx, spec, oai, false)
		if err != nil {
			return 0, domain.Wrap(domain.KindPersistenceFailure, err, "look up OAI id")
		}
		var matches []int64
		for _, cand := range candidates {
			stored, err := r.lookup.Load(ctx, cand)
			if err != nil {
				return 0, domain.Wrap(domain.KindPersistenceFailure, err, "load record %d", cand)
			}
			if hasOAI(stored, spec, provSpec, oai, prov) {
				matches = append(matches, cand)
			}
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			return 0, domain.Errorf(domain.KindIdentityAmbiguous, "OAI id %q with provenance %q matches records %v", oai, prov, matches)
		}
	}
	return 0, nil
}

func provenanceOf(f record.Field, provSpec record.TagSpec) string {
	if provSpec.Tag != f.Tag || provSpec.Code == "" {
		return ""
	}
	v, _ := f.First(provSpec.Code)
	return strings.TrimSpace(v)
}

func hasOAI(rec *record.Record, spec, provSpec record.TagSpec, oai, prov string) bool {
	for _, f := range rec.Match(spec) {
		for _, v := range f.Values(spec.Code) {
			if v == oai && provenanceOf(f, provSpec) == prov {
				return true
			}
		}
	}
	return false
}

// byDOI matches every DOI of the record. DOIs pointing at more than one
// distinct record are ambiguous.
func (r *Resolver) byDOI(ctx context.Context, rec *record.Record) (int64, error) {
	spec, ok := config.Spec(r.kb.DOITag)
	if !ok {
		return 0, nil
	}
	schemeSpec, _ := config.Spec(r.kb.DOISchemeTag)

	found := make(map[int64]bool)
	var order []int64
	for _, doi := range dois(rec, spec, schemeSpec) {
		// Stored values keep the spelling they were submitted with.
		var ids []int64
		for _, form := range id.DOIForms(doi) {
			got, err := r.lookup.FindBySubfield(ctx, spec, form, true)
			if err != nil {
				return 0, domain.Wrap(domain.KindPersistenceFailure, err, "look up DOI")
			}
			ids = append(ids, got...)
		}
		for _, cand := range ids {
			if found[cand] {
				continue
			}
			stored, err := r.lookup.Load(ctx, cand)
			if err != nil {
				return 0, domain.Wrap(domain.KindPersistenceFailure, err, "load record %d", cand)
			}
			if containsDOI(dois(stored, spec, schemeSpec), doi) {
				found[cand] = true
				order = append(order, cand)
			}
		}
	}
	switch len(order) {
	case 0:
		return 0, nil
	case 1:
		return order[0], nil
	default:
		return 0, domain.Errorf(domain.KindIdentityAmbiguous, "DOIs match records %v", order)
	}
}

// dois returns the normalized DOIs of rec. When a scheme subfield is
// configured only fields whose scheme is DOI count.
func dois(rec *record.Record, spec, schemeSpec record.TagSpec) []string {
	var out []string
	for _, f := range rec.Match(spec) {
		if schemeSpec.Code != "" && schemeSpec.Tag == f.Tag {
			scheme, _ := f.First(schemeSpec.Code)
			if !strings.EqualFold(strings.TrimSpace(scheme), "doi") {
				continue
			}
		}
		for _, v := range f.Values(spec.Code) {
			if doi, ok := id.NormalizeDOI(v); ok {
				out = append(out, doi)
			}
		}
	}
	return out
}

func containsDOI(list []string, doi string) bool {
	for _, d := range list {
		if d == doi {
			return true
		}
	}
	return false
}
