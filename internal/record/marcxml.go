package record

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MARCXMLNamespace is written on collections.
const MARCXMLNamespace = "http://www.loc.gov/MARC21/slim"

type xmlRecord struct {
	XMLName xml.Name       `xml:"record"`
	Control []xmlControl   `xml:"controlfield"`
	Data    []xmlDataField `xml:"datafield"`
}

type xmlControl struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

type xmlDataField struct {
	Tag       string        `xml:"tag,attr"`
	Ind1      string        `xml:"ind1,attr"`
	Ind2      string        `xml:"ind2,attr"`
	Subfields []xmlSubfield `xml:"subfield"`
}

type xmlSubfield struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

// ParseCollection reads every <record> element from r. Both a
// <collection> wrapper and a bare <record> document are accepted.
func ParseCollection(r io.Reader) ([]*Record, error) {
	dec := xml.NewDecoder(r)
	var out []*Record
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse MARCXML: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "record" {
			continue
		}
		var xr xmlRecord
		if err := dec.DecodeElement(&xr, &se); err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", len(out)+1, err)
		}
		rec, err := fromXML(xr)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ParseMARCXML parses a document expected to hold exactly one record.
func ParseMARCXML(data []byte) (*Record, error) {
	recs, err := ParseCollection(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("expected 1 record, found %d", len(recs))
	}
	return recs[0], nil
}

func fromXML(xr xmlRecord) (*Record, error) {
	rec := New()
	for _, cf := range xr.Control {
		tag := strings.TrimSpace(cf.Tag)
		if !IsControlTag(tag) {
			return nil, fmt.Errorf("controlfield with non-control tag %q", tag)
		}
		rec.Add(NewControlField(tag, normalizeValue(cf.Value)))
	}
	for _, df := range xr.Data {
		tag := strings.TrimSpace(df.Tag)
		f := Field{Tag: tag, Ind1: parseIndicator(df.Ind1), Ind2: parseIndicator(df.Ind2)}
		for _, sf := range df.Subfields {
			f.Subfields = append(f.Subfields, Subfield{Code: sf.Code, Value: normalizeValue(sf.Value)})
		}
		rec.Add(f)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func parseIndicator(s string) byte {
	if s == "" {
		return ' '
	}
	return normalizeIndicator(s[0])
}

func normalizeValue(s string) string {
	return norm.NFC.String(s)
}

func toXML(r *Record) xmlRecord {
	var xr xmlRecord
	for _, f := range r.All() {
		if f.IsControl() {
			xr.Control = append(xr.Control, xmlControl{Tag: f.Tag, Value: f.Value})
			continue
		}
		df := xmlDataField{Tag: f.Tag, Ind1: string(f.Ind1), Ind2: string(f.Ind2)}
		for _, sf := range f.Subfields {
			df.Subfields = append(df.Subfields, xmlSubfield(sf))
		}
		xr.Data = append(xr.Data, df)
	}
	return xr
}

// MarshalMARCXML renders a single <record> element.
func MarshalMARCXML(r *Record) ([]byte, error) {
	data, err := xml.MarshalIndent(toXML(r), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// WriteCollection writes recs wrapped in a MARCXML <collection>.
func WriteCollection(w io.Writer, recs []*Record) error {
	if _, err := io.WriteString(w, xml.Header+`<collection xmlns="`+MARCXMLNamespace+`">`+"\n"); err != nil {
		return err
	}
	for _, r := range recs {
		data, err := xml.MarshalIndent(toXML(r), "  ", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := w.Write(append(append([]byte("  "), data...), '\n')); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</collection>\n")
	return err
}
