package record

import (
	"bufio"
	"fmt"
	"strings"
)

const subfieldSep = "$$"

// Text renders the record one field per line, in tag then field number
// order:
//
//	001__ 42
//	24510 $$aTitle$$bSubtitle
func Text(r *Record) string {
	var sb strings.Builder
	for _, f := range r.All() {
		sb.WriteString(FieldText(f))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FieldText renders a single field line.
func FieldText(f Field) string {
	head := f.Key().String() + " "
	if f.IsControl() {
		return head + f.Value
	}
	var sb strings.Builder
	sb.WriteString(head)
	for _, sf := range f.Subfields {
		sb.WriteString(subfieldSep)
		sb.WriteString(sf.Code)
		sb.WriteString(sf.Value)
	}
	return sb.String()
}

// ParseText parses the form produced by Text. Blank lines and lines
// starting with '#' are skipped.
func ParseText(s string) (*Record, error) {
	rec := New()
	sc := bufio.NewScanner(strings.NewReader(s))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) < 5 {
			return nil, fmt.Errorf("line %d: too short", lineNo)
		}
		tag := line[:3]
		body := ""
		if len(line) > 6 {
			body = line[6:]
		}
		if IsControlTag(tag) {
			rec.Add(NewControlField(tag, normalizeValue(body)))
			continue
		}
		f := Field{Tag: tag, Ind1: normalizeIndicator(line[3]), Ind2: normalizeIndicator(line[4])}
		if !strings.HasPrefix(body, subfieldSep) {
			return nil, fmt.Errorf("line %d: data field without subfields", lineNo)
		}
		for _, part := range strings.Split(body, subfieldSep)[1:] {
			if part == "" {
				return nil, fmt.Errorf("line %d: empty subfield", lineNo)
			}
			f.Subfields = append(f.Subfields, Subfield{Code: part[:1], Value: normalizeValue(part[1:])})
		}
		rec.Add(f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// MustParseText is ParseText for fixtures.
func MustParseText(s string) *Record {
	rec, err := ParseText(s)
	if err != nil {
		panic(err)
	}
	return rec
}
