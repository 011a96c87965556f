// Package record implements the in-memory bibliographic record model:
// tagged, repeatable fields with ordered, repeatable subfields.
//
// It provides functionality to:
// - Build and query records field by field
// - Compute structural diffs between two records (affected field sets)
// - Read and write MARCXML and a line-oriented text form
package record

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// IdentifierTag holds the persisted record id.
	IdentifierTag = "001"
	// RevisionTag holds the revision marker (last modification time).
	RevisionTag = "005"

	// DeleteMarkerCode and DeleteMarkerValue form the single subfield of a
	// deletion marker field.
	DeleteMarkerCode  = "0"
	DeleteMarkerValue = "__DELETE_FIELDS__"
)

// Subfield is a (code, value) pair inside a data field.
type Subfield struct {
	Code  string `json:"code"`
	Value string `json:"value"`
}

// Field is either a control field (Value set, no indicators or subfields)
// or a data field (indicators plus ordered subfields).
type Field struct {
	Tag       string     `json:"tag"`
	Ind1      byte       `json:"ind1"`
	Ind2      byte       `json:"ind2"`
	Value     string     `json:"value,omitempty"`
	Subfields []Subfield `json:"subfields,omitempty"`

	// Pos is the field number: the global insertion position inside the record.
	Pos int `json:"pos"`
}

// IsControlTag reports whether tag denotes a control field.
func IsControlTag(tag string) bool {
	return len(tag) == 3 && tag < "010"
}

// NewControlField creates a control field.
func NewControlField(tag, value string) Field {
	return Field{Tag: tag, Ind1: ' ', Ind2: ' ', Value: value}
}

// NewDataField creates a data field from alternating code/value pairs.
func NewDataField(tag string, ind1, ind2 byte, pairs ...string) Field {
	f := Field{Tag: tag, Ind1: normalizeIndicator(ind1), Ind2: normalizeIndicator(ind2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Subfields = append(f.Subfields, Subfield{Code: pairs[i], Value: pairs[i+1]})
	}
	return f
}

// DeletionMarker returns a field that, inside a patch, requests removal of
// every stored field in the (tag, ind1, ind2) group. Control tags carry the
// marker as their value.
func DeletionMarker(tag string, ind1, ind2 byte) Field {
	if IsControlTag(tag) {
		return NewControlField(tag, DeleteMarkerValue)
	}
	return NewDataField(tag, ind1, ind2, DeleteMarkerCode, DeleteMarkerValue)
}

// IsControl reports whether the field is a control field.
func (f Field) IsControl() bool {
	return IsControlTag(f.Tag)
}

// IsDeletionMarker reports whether the field is a deletion marker.
func (f Field) IsDeletionMarker() bool {
	if f.IsControl() {
		return f.Value == DeleteMarkerValue
	}
	return len(f.Subfields) == 1 &&
		f.Subfields[0].Code == DeleteMarkerCode &&
		f.Subfields[0].Value == DeleteMarkerValue
}

// Key returns the (tag, ind1, ind2) group the field belongs to.
func (f Field) Key() GroupKey {
	if f.IsControl() {
		return GroupKey{Tag: f.Tag, Ind1: ' ', Ind2: ' '}
	}
	return GroupKey{Tag: f.Tag, Ind1: f.Ind1, Ind2: f.Ind2}
}

// First returns the first value of the given subfield code.
func (f Field) First(code string) (string, bool) {
	for _, sf := range f.Subfields {
		if sf.Code == code {
			return sf.Value, true
		}
	}
	return "", false
}

// Values returns every value of the given subfield code, in order.
func (f Field) Values(code string) []string {
	var out []string
	for _, sf := range f.Subfields {
		if sf.Code == code {
			out = append(out, sf.Value)
		}
	}
	return out
}

// SameContent compares tag, indicators, value and subfields; the field
// number is ignored.
func (f Field) SameContent(o Field) bool {
	if f.Key() != o.Key() || f.Value != o.Value || len(f.Subfields) != len(o.Subfields) {
		return false
	}
	for i := range f.Subfields {
		if f.Subfields[i] != o.Subfields[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	c := f
	if f.Subfields != nil {
		c.Subfields = append([]Subfield(nil), f.Subfields...)
	}
	return c
}

// Record is an ordered mapping from tag to an ordered sequence of fields.
type Record struct {
	fields map[string][]Field
	next   int
}

// New returns an empty record.
func New() *Record {
	return &Record{fields: make(map[string][]Field)}
}

// Add appends f under its tag and assigns it the next field number.
func (r *Record) Add(f Field) Field {
	r.next++
	f.Pos = r.next
	f = normalizeField(f)
	r.fields[f.Tag] = append(r.fields[f.Tag], f)
	return f
}

// Keep appends f preserving its field number when it has one.
func (r *Record) Keep(f Field) {
	if f.Pos == 0 {
		r.Add(f)
		return
	}
	if f.Pos > r.next {
		r.next = f.Pos
	}
	f = normalizeField(f)
	r.fields[f.Tag] = append(r.fields[f.Tag], f)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	n := 0
	for _, fs := range r.fields {
		n += len(fs)
	}
	return n
}

// Tags returns the tags present in the record, sorted.
func (r *Record) Tags() []string {
	tags := make([]string, 0, len(r.fields))
	for tag, fs := range r.fields {
		if len(fs) > 0 {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Has reports whether at least one field with tag exists.
func (r *Record) Has(tag string) bool {
	return len(r.fields[tag]) > 0
}

// Fields returns a copy of the fields under tag, in field number order.
func (r *Record) Fields(tag string) []Field {
	fs := r.fields[tag]
	out := make([]Field, len(fs))
	for i, f := range fs {
		out[i] = f.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pos < out[j].Pos })
	return out
}

// All returns every field ordered by tag, then field number.
func (r *Record) All() []Field {
	var out []Field
	for _, tag := range r.Tags() {
		out = append(out, r.Fields(tag)...)
	}
	return out
}

// FieldAt returns the field with the given field number.
func (r *Record) FieldAt(pos int) (Field, bool) {
	for _, fs := range r.fields {
		for _, f := range fs {
			if f.Pos == pos {
				return f.Clone(), true
			}
		}
	}
	return Field{}, false
}

// MaxPos returns the highest field number in use.
func (r *Record) MaxPos() int {
	return r.next
}

// Control returns the value of the first control field with tag.
func (r *Record) Control(tag string) (string, bool) {
	fs := r.fields[tag]
	if len(fs) == 0 {
		return "", false
	}
	return fs[0].Value, true
}

// SetControl replaces every field with tag by a single control field,
// keeping the field number of the first existing occurrence.
func (r *Record) SetControl(tag, value string) {
	fs := r.fields[tag]
	if len(fs) == 0 {
		r.Add(NewControlField(tag, value))
		return
	}
	f := NewControlField(tag, value)
	f.Pos = fs[0].Pos
	r.fields[tag] = []Field{f}
}

// Delete removes every field with tag and returns how many were removed.
func (r *Record) Delete(tag string) int {
	n := len(r.fields[tag])
	delete(r.fields, tag)
	return n
}

// DeleteWhere removes the fields under tag matching pred.
func (r *Record) DeleteWhere(tag string, pred func(Field) bool) int {
	fs := r.fields[tag]
	kept := fs[:0:0]
	removed := 0
	for _, f := range fs {
		if pred(f) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		delete(r.fields, tag)
	} else {
		r.fields[tag] = kept
	}
	return removed
}

// Values returns every subfield value matching spec, in field order.
func (r *Record) Values(spec TagSpec) []string {
	var out []string
	for _, f := range r.Match(spec) {
		if f.IsControl() {
			out = append(out, f.Value)
			continue
		}
		out = append(out, f.Values(spec.Code)...)
	}
	return out
}

// Match returns the fields matching the tag and indicators of spec.
func (r *Record) Match(spec TagSpec) []Field {
	var out []Field
	for _, f := range r.Fields(spec.Tag) {
		if spec.MatchesField(f) {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := New()
	c.next = r.next
	for tag, fs := range r.fields {
		cp := make([]Field, len(fs))
		for i, f := range fs {
			cp[i] = f.Clone()
		}
		c.fields[tag] = cp
	}
	return c
}

// Renumber reassigns field numbers 1..n in tag order.
func (r *Record) Renumber() {
	n := 0
	for _, tag := range r.Tags() {
		fs := r.fields[tag]
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Pos < fs[j].Pos })
		for i := range fs {
			n++
			fs[i].Pos = n
		}
	}
	r.next = n
}

// Validate checks the structural invariants of the record.
func (r *Record) Validate() error {
	if n := len(r.fields[IdentifierTag]); n > 1 {
		return fmt.Errorf("tag %s appears %d times", IdentifierTag, n)
	}
	for tag, fs := range r.fields {
		if len(tag) != 3 {
			return fmt.Errorf("invalid tag %q: must be 3 characters", tag)
		}
		for _, f := range fs {
			if f.IsControl() {
				if len(f.Subfields) > 0 {
					return fmt.Errorf("control field %s has subfields", tag)
				}
				continue
			}
			if !validIndicator(f.Ind1) || !validIndicator(f.Ind2) {
				return fmt.Errorf("field %s has invalid indicators %q%q", tag, f.Ind1, f.Ind2)
			}
			for _, sf := range f.Subfields {
				if len(sf.Code) != 1 {
					return fmt.Errorf("field %s has invalid subfield code %q", tag, sf.Code)
				}
			}
		}
	}
	return nil
}

func validIndicator(b byte) bool {
	return b == ' ' || (b > ' ' && b < 0x7f)
}

func normalizeIndicator(b byte) byte {
	if b == 0 || b == '_' {
		return ' '
	}
	return b
}

func normalizeField(f Field) Field {
	if IsControlTag(f.Tag) {
		f.Ind1, f.Ind2 = ' ', ' '
		return f
	}
	f.Ind1 = normalizeIndicator(f.Ind1)
	f.Ind2 = normalizeIndicator(f.Ind2)
	return f
}

// TagSpec addresses fields (and optionally a subfield code) with the usual
// five/six character notation, e.g. "035__a" or "909COo". '_' stands for a
// blank indicator and '%' matches any indicator.
type TagSpec struct {
	Tag  string
	Ind1 byte
	Ind2 byte
	Code string
}

// ParseTagSpec parses "TTT", "TTTii" or "TTTiic".
func ParseTagSpec(s string) (TagSpec, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 3:
		return TagSpec{Tag: s, Ind1: '%', Ind2: '%'}, nil
	case 5, 6:
		spec := TagSpec{Tag: s[:3], Ind1: normalizeIndicator(s[3]), Ind2: normalizeIndicator(s[4])}
		if len(s) == 6 {
			spec.Code = s[5:]
		}
		return spec, nil
	default:
		return TagSpec{}, fmt.Errorf("invalid tag spec %q", s)
	}
}

// MustTagSpec is ParseTagSpec for package-level constants.
func MustTagSpec(s string) TagSpec {
	spec, err := ParseTagSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// MatchesField reports whether f has the tag and indicators of s.
func (s TagSpec) MatchesField(f Field) bool {
	if f.Tag != s.Tag {
		return false
	}
	if f.IsControl() {
		return true
	}
	return (s.Ind1 == '%' || s.Ind1 == f.Ind1) && (s.Ind2 == '%' || s.Ind2 == f.Ind2)
}

// String renders s back in its compact notation.
func (s TagSpec) String() string {
	return s.Tag + string(blankToUnderscore(s.Ind1)) + string(blankToUnderscore(s.Ind2)) + s.Code
}

func blankToUnderscore(b byte) byte {
	if b == ' ' {
		return '_'
	}
	return b
}
