// Package patch derives minimal record patches and checks revision markers.
//
// It provides functionality to:
// - Create patches between two versions of a record (diff)
// - Apply patches to a record
// - Rebase a stale edit onto the stored record with 3-way conflict detection
// - Verify an incoming revision marker against the stored record and history
package patch

import (
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/record"
)

// Op replaces every field of one tag. An Op with no fields removes the tag.
type Op struct {
	Tag    string
	Fields []record.Field
	// Groups lists the (tag, ind1, ind2) groups whose content changes.
	Groups []record.GroupKey
	// Created is set when the base had no field with Tag.
	Created bool
}

// Patch is a sequence of tag replacements in tag order.
type Patch []Op

// Tags returns the tags touched by the patch.
func (p Patch) Tags() []string {
	tags := make([]string, len(p))
	for i, op := range p {
		tags[i] = op.Tag
	}
	return tags
}

// CountOps returns counts of operations by type.
func (p Patch) CountOps() (adds, replaces, removes int) {
	for _, op := range p {
		switch {
		case len(op.Fields) == 0:
			removes++
		case op.Created:
			adds++
		default:
			replaces++
		}
	}
	return
}

// Affected returns the groups changed by the patch.
func (p Patch) Affected() record.AffectedFieldSet {
	a := record.NewAffected()
	for _, op := range p {
		for _, k := range op.Groups {
			a.AddKey(k)
		}
	}
	return a
}

// Record renders the patch as a record suitable for a Correct merge: every
// touched tag carries its new fields and every changed group a deletion
// marker, so that groups scoped by provenance are cleared as a whole.
func (p Patch) Record() *record.Record {
	rec := record.New()
	for _, op := range p {
		if !record.IsControlTag(op.Tag) || len(op.Fields) == 0 {
			for _, k := range op.Groups {
				rec.Add(record.DeletionMarker(k.Tag, k.Ind1, k.Ind2))
			}
		}
		for _, f := range op.Fields {
			f.Pos = 0
			rec.Add(f)
		}
	}
	return rec
}

// String renders one line per operation.
func (p Patch) String() string {
	var sb strings.Builder
	for _, op := range p {
		if len(op.Fields) == 0 {
			fmt.Fprintf(&sb, "remove %s\n", op.Tag)
			continue
		}
		fmt.Fprintf(&sb, "replace %s\n", op.Tag)
		for _, f := range op.Fields {
			sb.WriteString("  ")
			sb.WriteString(record.FieldText(f))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Conflict is a group changed differently by the caller and by a
// concurrent commit.
type Conflict struct {
	Key     record.GroupKey
	Base    []record.Field
	Current []record.Field
	Edited  []record.Field
}

func (c Conflict) String() string {
	return fmt.Sprintf("Field %s: base=%q, current=%q, edited=%q",
		c.Key, groupText(c.Base), groupText(c.Current), groupText(c.Edited))
}

func groupText(fs []record.Field) string {
	lines := make([]string, len(fs))
	for i, f := range fs {
		lines[i] = record.FieldText(f)
	}
	return strings.Join(lines, " | ")
}
