package record

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	rec := New()
	rec.Add(NewControlField("001", "42"))
	rec.Add(NewControlField("005", "20240101120000.0"))
	rec.Add(NewDataField("245", ' ', ' ', "a", "Title", "b", "Subtitle"))
	rec.Add(NewDataField("100", '1', ' ', "a", "Doe, J."))
	rec.Add(NewDataField("035", ' ', ' ', "a", "oai:arXiv.org:1234", "9", "arXiv"))
	return rec
}

func TestText_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "record_text", []byte(Text(sampleRecord())))
}

func TestParseText_RoundTrip(t *testing.T) {
	rec := sampleRecord()
	parsed, err := ParseText(Text(rec))
	require.NoError(t, err)
	assert.True(t, Equal(rec, parsed))
	assert.Equal(t, 5, parsed.Len())
}

func TestParseText_Errors(t *testing.T) {
	_, err := ParseText("245__ no-subfields\n")
	require.Error(t, err)

	_, err = ParseText("001__ 1\n001__ 2\n")
	require.Error(t, err, "duplicate 001 must be rejected")
}

func TestRecord_FieldNumbers(t *testing.T) {
	rec := sampleRecord()
	fs := rec.Fields("245")
	require.Len(t, fs, 1)
	assert.Equal(t, 3, fs[0].Pos)

	f, ok := rec.FieldAt(4)
	require.True(t, ok)
	assert.Equal(t, "100", f.Tag)

	added := rec.Add(NewDataField("245", ' ', ' ', "a", "Other"))
	assert.Equal(t, 6, added.Pos)
	assert.Equal(t, 6, rec.MaxPos())
}

func TestRecord_SetControlKeepsPosition(t *testing.T) {
	rec := sampleRecord()
	rec.SetControl("005", "20250101000000.0")
	v, ok := rec.Control("005")
	require.True(t, ok)
	assert.Equal(t, "20250101000000.0", v)
	assert.Equal(t, 2, rec.Fields("005")[0].Pos)
}

func TestRecord_ValuesBySpec(t *testing.T) {
	rec := sampleRecord()
	rec.Add(NewDataField("035", '9', ' ', "a", "other"))

	assert.Equal(t, []string{"oai:arXiv.org:1234"}, rec.Values(MustTagSpec("035__a")))
	assert.Equal(t, []string{"arXiv"}, rec.Values(MustTagSpec("035__9")))
	assert.Equal(t, []string{"oai:arXiv.org:1234", "other"}, rec.Values(MustTagSpec("035%%a")))
	assert.Equal(t, []string{"42"}, rec.Values(MustTagSpec("001")))
}

func TestRecord_DeleteWhere(t *testing.T) {
	rec := New()
	rec.Add(NewDataField("653", '1', ' ', "a", "x", "9", "author"))
	rec.Add(NewDataField("653", '1', ' ', "a", "y", "9", "robot"))

	n := rec.DeleteWhere("653", func(f Field) bool {
		p, _ := f.First("9")
		return p == "robot"
	})
	assert.Equal(t, 1, n)
	require.Len(t, rec.Fields("653"), 1)

	rec.DeleteWhere("653", func(Field) bool { return true })
	assert.False(t, rec.Has("653"))
}

func TestDiff(t *testing.T) {
	old := sampleRecord()
	updated := old.Clone()
	updated.Delete("245")
	updated.Add(NewDataField("245", ' ', ' ', "a", "New Title"))
	updated.Add(NewDataField("700", '1', ' ', "a", "Roe, R."))

	diff := Diff(old, updated)
	assert.Equal(t, "245__,7001_", diff.String())

	restricted := DiffTags(old, updated, []string{"245"})
	assert.Equal(t, "245__", restricted.String())

	assert.Equal(t, 0, Diff(old, old.Clone()).Len())
}

func TestDiff_OrderMatters(t *testing.T) {
	a := New()
	a.Add(NewDataField("650", ' ', '7', "a", "one"))
	a.Add(NewDataField("650", ' ', '7', "a", "two"))
	b := New()
	b.Add(NewDataField("650", ' ', '7', "a", "two"))
	b.Add(NewDataField("650", ' ', '7', "a", "one"))

	assert.True(t, Diff(a, b).Has("650", ' ', '7'))
}

func TestAffected_StringAndParse(t *testing.T) {
	a := NewAffected()
	a.Add("245", ' ', ' ')
	a.Add("005", 'x', 'y') // control tags always use blank indicators
	a.Add("856", '4', ' ')

	s := a.String()
	assert.Equal(t, "005__,245__,8564_", s)

	parsed, err := ParseAffected(s)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAffected("24")
	assert.Error(t, err)
}

func TestAffected_JSON(t *testing.T) {
	a := NewAffected()
	a.Add("245", ' ', ' ')
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"245":[[" "," "]]}`, string(data))
}

func TestDeletionMarker(t *testing.T) {
	m := DeletionMarker("500", '_', '_')
	assert.True(t, m.IsDeletionMarker())
	assert.Equal(t, GroupKey{Tag: "500", Ind1: ' ', Ind2: ' '}, m.Key())
	assert.False(t, NewDataField("500", ' ', ' ', "0", "x").IsDeletionMarker())
}

func TestMARCXML_RoundTrip(t *testing.T) {
	rec := sampleRecord()
	var buf bytes.Buffer
	require.NoError(t, WriteCollection(&buf, []*Record{rec, rec}))

	recs, err := ParseCollection(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, Equal(rec, recs[0]))
	assert.True(t, Equal(rec, recs[1]))
}

func TestMARCXML_NormalizesAndDefaults(t *testing.T) {
	doc := `<?xml version="1.0"?>
<collection xmlns="http://www.loc.gov/MARC21/slim">
  <record>
    <controlfield tag="001">7</controlfield>
    <datafield tag="245" ind1="" ind2="_">
      <subfield code="a">Cafe` + "́" + `</subfield>
    </datafield>
  </record>
</collection>`
	recs, err := ParseCollection(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	f := recs[0].Fields("245")[0]
	assert.Equal(t, byte(' '), f.Ind1)
	assert.Equal(t, byte(' '), f.Ind2)
	v, _ := f.First("a")
	assert.Equal(t, "Café", v, "values are NFC normalized")
}

func TestMARCXML_SingleRecord(t *testing.T) {
	data, err := MarshalMARCXML(sampleRecord())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("<record>")))

	rec, err := ParseMARCXML(data)
	require.NoError(t, err)
	assert.True(t, Equal(sampleRecord(), rec))
}

func TestMARCXML_RejectsDataInControlfield(t *testing.T) {
	_, err := ParseCollection(strings.NewReader(`<record><controlfield tag="245">x</controlfield></record>`))
	assert.Error(t, err)
}
