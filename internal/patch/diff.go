package patch

import (
	"sort"

	"github.com/lherron/bibupload/internal/record"
)

// TagFilter selects the tags a patch may touch. A nil filter accepts all.
type TagFilter func(tag string) bool

// skipTag reports tags that are never part of a patch: the identifier is
// immutable and the revision marker is regenerated on commit.
func skipTag(tag string) bool {
	return tag == record.IdentifierTag || tag == record.RevisionTag
}

func (f TagFilter) groups() func(record.GroupKey) bool {
	return func(k record.GroupKey) bool {
		if skipTag(k.Tag) {
			return false
		}
		return f == nil || f(k.Tag)
	}
}

// Diff computes the patch turning base into target.
func Diff(base, target *record.Record, keep TagFilter) Patch {
	changed := record.DiffWhere(base, target, keep.groups())
	return build(base, target, changed)
}

// build creates one Op per tag of changed, carrying every target field of
// that tag.
func build(base, target *record.Record, changed record.AffectedFieldSet) Patch {
	byTag := make(map[string][]record.GroupKey)
	for _, k := range changed.Keys() {
		byTag[k.Tag] = append(byTag[k.Tag], k)
	}
	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	p := make(Patch, 0, len(tags))
	for _, tag := range tags {
		p = append(p, Op{
			Tag:     tag,
			Fields:  fieldsOf(target, tag),
			Groups:  byTag[tag],
			Created: base == nil || !base.Has(tag),
		})
	}
	return p
}

func fieldsOf(r *record.Record, tag string) []record.Field {
	if r == nil {
		return nil
	}
	return r.Fields(tag)
}

// Apply returns a copy of base with every tag of p replaced.
func Apply(base *record.Record, p Patch) *record.Record {
	out := base.Clone()
	for _, op := range p {
		out.Delete(op.Tag)
		for _, f := range op.Fields {
			f.Pos = 0
			out.Add(f)
		}
	}
	return out
}

// replaceGroup swaps the fields of group k in rec for fields.
func replaceGroup(rec *record.Record, k record.GroupKey, fields []record.Field) {
	rec.DeleteWhere(k.Tag, func(f record.Field) bool { return f.Key() == k })
	for _, f := range fields {
		f.Pos = 0
		rec.Add(f)
	}
}
