package record

import "sort"

// Groups splits the record into its (tag, ind1, ind2) groups, each in field
// number order.
func Groups(r *Record) map[GroupKey][]Field {
	groups := make(map[GroupKey][]Field)
	if r == nil {
		return groups
	}
	for _, f := range r.All() {
		k := f.Key()
		groups[k] = append(groups[k], f)
	}
	return groups
}

// Diff returns every group whose ordered content differs between a and b.
// A nil record is treated as empty.
func Diff(a, b *Record) AffectedFieldSet {
	return DiffWhere(a, b, nil)
}

// DiffTags is Diff restricted to the given tags.
func DiffTags(a, b *Record, tags []string) AffectedFieldSet {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return DiffWhere(a, b, func(k GroupKey) bool { return set[k.Tag] })
}

// DiffWhere is Diff restricted to the groups accepted by keep.
func DiffWhere(a, b *Record, keep func(GroupKey) bool) AffectedFieldSet {
	ga, gb := Groups(a), Groups(b)
	out := NewAffected()
	for _, k := range unionKeys(ga, gb) {
		if keep != nil && !keep(k) {
			continue
		}
		if !sameGroup(ga[k], gb[k]) {
			out.AddKey(k)
		}
	}
	return out
}

// SameGroup reports whether two field sequences have identical content in
// identical order.
func SameGroup(a, b []Field) bool {
	return sameGroup(a, b)
}

func sameGroup(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].SameContent(b[i]) {
			return false
		}
	}
	return true
}

func unionKeys(a, b map[GroupKey][]Field) []GroupKey {
	seen := make(map[GroupKey]bool, len(a)+len(b))
	var keys []GroupKey
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Equal reports whether a and b have the same content, ignoring field numbers.
func Equal(a, b *Record) bool {
	return Diff(a, b).Len() == 0
}
