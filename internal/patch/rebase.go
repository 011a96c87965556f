package patch

import (
	"fmt"
	"strings"

	"github.com/lherron/bibupload/internal/record"
)

// MergeResult represents the outcome of a 3-way merge
type MergeResult struct {
	// Merged is current with the caller's non-conflicting changes applied.
	Merged *record.Record
	// Patch turns current into Merged.
	Patch       Patch
	Conflicts   []Conflict
	HasConflict bool
}

// Merge3Way rebases an edit onto the stored record, group by group.
// base: the version the caller started from
// current: the version currently stored
// edited: the caller's version
// Only groups of tags accepted by keep count as edits.
func Merge3Way(base, current, edited *record.Record, keep TagFilter) *MergeResult {
	result := &MergeResult{Merged: current.Clone()}

	mine := record.DiffWhere(base, edited, keep.groups())
	theirs := record.DiffWhere(base, current, TagFilter(nil).groups())
	gBase, gCur, gEdit := record.Groups(base), record.Groups(current), record.Groups(edited)

	for _, k := range mine.Keys() {
		switch {
		// Only the caller touched the group: take the edit.
		case !theirs.HasKey(k):
			replaceGroup(result.Merged, k, gEdit[k])
		// Both made the same change.
		case record.SameGroup(gCur[k], gEdit[k]):
		// One side only added to what the other did.
		case covers(gEdit[k], gCur[k]):
			replaceGroup(result.Merged, k, gEdit[k])
		case covers(gCur[k], gEdit[k]):
		default:
			result.HasConflict = true
			result.Conflicts = append(result.Conflicts, Conflict{
				Key:     k,
				Base:    gBase[k],
				Current: gCur[k],
				Edited:  gEdit[k],
			})
		}
	}

	result.Patch = Diff(current, result.Merged, keep)
	return result
}

// FormatConflicts returns a human-readable description of conflicts
func (r *MergeResult) FormatConflicts() string {
	if !r.HasConflict {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Merge conflicts detected:\n\n")
	for i, c := range r.Conflicts {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, c))
	}
	return sb.String()
}

// covers reports whether a holds every field of b, counting repeats.
func covers(a, b []record.Field) bool {
	if len(a) < len(b) {
		return false
	}
	used := make([]bool, len(a))
	for _, fb := range b {
		found := false
		for i, fa := range a {
			if !used[i] && fa.SameContent(fb) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
