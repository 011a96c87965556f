package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GroupKey identifies a (tag, ind1, ind2) group of fields.
type GroupKey struct {
	Tag  string
	Ind1 byte
	Ind2 byte
}

// String renders the key as "TTTii" with '_' for blank indicators.
func (k GroupKey) String() string {
	return k.Tag + string(blankToUnderscore(k.Ind1)) + string(blankToUnderscore(k.Ind2))
}

// Indicators is an (ind1, ind2) pair.
type Indicators struct {
	Ind1 byte
	Ind2 byte
}

// AffectedFieldSet maps a tag to the indicator pairs changed in a commit.
type AffectedFieldSet map[string]map[Indicators]struct{}

// NewAffected returns an empty set.
func NewAffected() AffectedFieldSet {
	return make(AffectedFieldSet)
}

// AffectedAll returns the set of every group present in r.
func AffectedAll(r *Record) AffectedFieldSet {
	a := NewAffected()
	for _, f := range r.All() {
		a.AddKey(f.Key())
	}
	return a
}

// Add marks (tag, ind1, ind2) as affected.
func (a AffectedFieldSet) Add(tag string, ind1, ind2 byte) {
	a.AddKey(GroupKey{Tag: tag, Ind1: normalizeIndicator(ind1), Ind2: normalizeIndicator(ind2)})
}

// AddKey marks a group as affected.
func (a AffectedFieldSet) AddKey(k GroupKey) {
	if IsControlTag(k.Tag) {
		k.Ind1, k.Ind2 = ' ', ' '
	}
	inds, ok := a[k.Tag]
	if !ok {
		inds = make(map[Indicators]struct{})
		a[k.Tag] = inds
	}
	inds[Indicators{Ind1: k.Ind1, Ind2: k.Ind2}] = struct{}{}
}

// Has reports whether the group is affected.
func (a AffectedFieldSet) Has(tag string, ind1, ind2 byte) bool {
	_, ok := a[tag][Indicators{Ind1: ind1, Ind2: ind2}]
	return ok
}

// HasKey reports whether the group is affected.
func (a AffectedFieldSet) HasKey(k GroupKey) bool {
	return a.Has(k.Tag, k.Ind1, k.Ind2)
}

// HasTag reports whether any group of tag is affected.
func (a AffectedFieldSet) HasTag(tag string) bool {
	return len(a[tag]) > 0
}

// Union adds every group of b to a.
func (a AffectedFieldSet) Union(b AffectedFieldSet) {
	for _, k := range b.Keys() {
		a.AddKey(k)
	}
}

// Without returns a copy of the set without tag.
func (a AffectedFieldSet) Without(tag string) AffectedFieldSet {
	c := NewAffected()
	for _, k := range a.Keys() {
		if k.Tag != tag {
			c.AddKey(k)
		}
	}
	return c
}

// Keys returns the affected groups sorted by tag then indicators.
func (a AffectedFieldSet) Keys() []GroupKey {
	var keys []GroupKey
	for tag, inds := range a {
		for ind := range inds {
			keys = append(keys, GroupKey{Tag: tag, Ind1: ind.Ind1, Ind2: ind.Ind2})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Len returns the number of affected groups.
func (a AffectedFieldSet) Len() int {
	n := 0
	for _, inds := range a {
		n += len(inds)
	}
	return n
}

// String serializes the set as a sorted comma separated list, e.g.
// "005__,245__,8564_". This is the form stored in the history log.
func (a AffectedFieldSet) String() string {
	keys := a.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

// ParseAffected parses the form produced by String.
func ParseAffected(s string) (AffectedFieldSet, error) {
	a := NewAffected()
	s = strings.TrimSpace(s)
	if s == "" {
		return a, nil
	}
	for _, part := range strings.Split(s, ",") {
		if len(part) != 5 {
			return nil, fmt.Errorf("invalid affected field %q", part)
		}
		a.Add(part[:3], part[3], part[4])
	}
	return a, nil
}

// MarshalJSON renders {"245": [[" ", " "]]}.
func (a AffectedFieldSet) MarshalJSON() ([]byte, error) {
	out := make(map[string][][2]string, len(a))
	for _, k := range a.Keys() {
		out[k.Tag] = append(out[k.Tag], [2]string{string(k.Ind1), string(k.Ind2)})
	}
	return json.Marshal(out)
}
