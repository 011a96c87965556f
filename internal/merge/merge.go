// Package merge reconciles an incoming record with the stored one under an
// upload mode and reports which field groups changed.
package merge

import (
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
)

// Result is a merged record and the groups that must be persisted.
type Result struct {
	Record   *record.Record
	Affected record.AffectedFieldSet
}

// Merge combines incoming with current (nil when nothing is stored yet).
// The revision marker is left to the caller; the identifier of current is
// never altered.
func Merge(incoming, current *record.Record, mode domain.Mode, kb config.KB) (Result, error) {
	if mode == domain.ModeReplaceOrInsert {
		if current == nil {
			mode = domain.ModeInsert
		} else {
			mode = domain.ModeReplace
		}
	}
	if current == nil && mode != domain.ModeInsert {
		return Result{}, domain.Errorf(domain.KindIdentityNotFound, "mode %s needs a stored record", mode)
	}

	var (
		merged   *record.Record
		affected record.AffectedFieldSet
	)
	switch mode {
	case domain.ModeInsert:
		merged = incoming.Clone()
		for _, tag := range merged.Tags() {
			merged.DeleteWhere(tag, record.Field.IsDeletionMarker)
		}
		merged.Delete(record.RevisionTag)
		return Result{Record: merged, Affected: record.AffectedAll(merged)}, nil
	case domain.ModeReplace:
		merged, affected = replace(incoming, current, kb)
	case domain.ModeCorrect:
		merged, affected = correct(incoming, current, kb)
	case domain.ModeAppend:
		merged, affected = appendFields(incoming, current)
	case domain.ModeDelete:
		merged, affected = deleteFields(incoming, current)
	default:
		return Result{}, fmt.Errorf("unsupported mode %s", mode)
	}

	return Result{Record: settle(current, merged, affected), Affected: affected}, nil
}

// payload returns the fields of incoming that take part in a merge:
// identifier, revision marker and deletion markers excluded.
func payload(incoming *record.Record) []record.Field {
	var out []record.Field
	for _, f := range incoming.All() {
		if skipTag(f.Tag) || f.IsDeletionMarker() {
			continue
		}
		out = append(out, f)
	}
	return out
}

func skipTag(tag string) bool {
	return tag == record.IdentifierTag || tag == record.RevisionTag
}

// touchedTags returns the tags of incoming, markers included.
func touchedTags(incoming *record.Record) []string {
	var tags []string
	for _, tag := range incoming.Tags() {
		if !skipTag(tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

// replace keeps only what incoming carries, plus strong tags it omits.
func replace(incoming, current *record.Record, kb config.KB) (*record.Record, record.AffectedFieldSet) {
	merged := current.Clone()
	affected := record.NewAffected()
	for _, tag := range current.Tags() {
		if skipTag(tag) {
			continue
		}
		if kb.IsStrong(tag) && !incoming.Has(tag) {
			for _, f := range current.Fields(tag) {
				affected.AddKey(f.Key())
			}
			continue
		}
		merged.Delete(tag)
	}
	for _, f := range payload(incoming) {
		merged.Add(f)
		affected.AddKey(f.Key())
	}
	affected.Union(record.Diff(current, merged))
	return merged, affected
}

// correct replaces every tag present in incoming. Controlled-provenance
// tags only lose the occurrences whose provenance incoming provides.
func correct(incoming, current *record.Record, kb config.KB) (*record.Record, record.AffectedFieldSet) {
	merged := current.Clone()
	tags := touchedTags(incoming)

	for _, tag := range tags {
		var fields []record.Field
		for _, f := range incoming.Fields(tag) {
			if f.IsDeletionMarker() {
				k := f.Key()
				merged.DeleteWhere(tag, func(g record.Field) bool { return g.Key() == k })
				continue
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			continue
		}

		if spec, ok := kb.Provenance(tag); ok {
			provs := make(map[string]bool)
			for _, f := range fields {
				if spec.MatchesField(f) {
					provs[provenance(f, spec)] = true
				}
			}
			replaceAll := provs[""] && kb.EmptyProvenancePolicy() == config.EmptyProvenanceReplaceAll
			merged.DeleteWhere(tag, func(g record.Field) bool {
				if !spec.MatchesField(g) || replaceAll {
					return true
				}
				return provs[provenance(g, spec)]
			})
		} else {
			merged.Delete(tag)
		}

		for _, f := range fields {
			merged.Add(f)
		}
	}

	return merged, record.DiffTags(current, merged, tags)
}

func provenance(f record.Field, spec record.TagSpec) string {
	v, _ := f.First(spec.Code)
	return strings.TrimSpace(v)
}

// appendFields adds incoming underneath current and drops the duplicates
// this creates.
func appendFields(incoming, current *record.Record) (*record.Record, record.AffectedFieldSet) {
	merged := current.Clone()
	affected := record.NewAffected()
	tags := make(map[string]bool)
	for _, f := range payload(incoming) {
		merged.Add(f)
		affected.AddKey(f.Key())
		tags[f.Tag] = true
	}
	for tag := range tags {
		dedupe(merged, tag)
	}
	return merged, affected
}

// dedupe keeps the first occurrence of every distinct field under tag.
func dedupe(rec *record.Record, tag string) {
	var seen []record.Field
	rec.DeleteWhere(tag, func(f record.Field) bool {
		for _, s := range seen {
			if s.SameContent(f) {
				return true
			}
		}
		seen = append(seen, f)
		return false
	})
}

// deleteFields removes every stored field equal to a field of incoming.
func deleteFields(incoming, current *record.Record) (*record.Record, record.AffectedFieldSet) {
	merged := current.Clone()
	for _, f := range payload(incoming) {
		merged.DeleteWhere(f.Tag, func(g record.Field) bool { return g.SameContent(f) })
	}
	return merged, record.Diff(current, merged)
}

// settle rebuilds the merged record from current so that every group that
// is not affected keeps its stored fields and field numbers.
func settle(current, merged *record.Record, affected record.AffectedFieldSet) *record.Record {
	out := current.Clone()
	groups := record.Groups(merged)
	for _, k := range affected.Keys() {
		if skipTag(k.Tag) {
			continue
		}
		out.DeleteWhere(k.Tag, func(f record.Field) bool { return f.Key() == k })
		for _, f := range groups[k] {
			out.Add(f)
		}
	}
	return out
}
