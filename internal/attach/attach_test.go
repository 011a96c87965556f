package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDocs is an in-memory DocumentStore.
type memDocs struct {
	docs   []*domain.Document
	files  []domain.DocumentFile
	nextID int64
}

func (m *memDocs) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memDocs) doc(id int64) (*domain.Document, error) {
	for _, d := range m.docs {
		if d.ID == id && !d.Deleted {
			return d, nil
		}
	}
	return nil, fmt.Errorf("document %d: %w", id, store.ErrNotFound)
}

func (m *memDocs) latest(docID int64) int {
	v := 0
	for _, f := range m.files {
		if f.DocumentID == docID && f.Version > v {
			v = f.Version
		}
	}
	return v
}

func (m *memDocs) Documents(_ context.Context, recID int64) ([]domain.Document, error) {
	var out []domain.Document
	for _, d := range m.docs {
		if d.RecordID == recID && !d.Deleted {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Docname < out[j].Docname })
	return out, nil
}

func (m *memDocs) LatestFiles(_ context.Context, docID int64) ([]domain.DocumentFile, error) {
	v := m.latest(docID)
	var out []domain.DocumentFile
	for _, f := range m.files {
		if f.DocumentID == docID && f.Version == v && !f.Deleted {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Format < out[j].Format })
	return out, nil
}

func (m *memDocs) Create(_ context.Context, recID int64, docname, doctype, restriction string) (*domain.Document, error) {
	d := &domain.Document{ID: m.id(), RecordID: recID, Docname: docname, Doctype: doctype, Restriction: restriction}
	m.docs = append(m.docs, d)
	return d, nil
}

func (m *memDocs) add(docID int64, version int, format, path string, meta Meta) (*domain.DocumentFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	size, sum, err := hashCopy(io.Discard, fh)
	if err != nil {
		return nil, err
	}
	f := domain.DocumentFile{ID: m.id(), DocumentID: docID, Version: version, Format: format,
		Checksum: sum, Size: size, Description: meta.Description, Comment: meta.Comment}
	_ = f.SetFlags(meta.Flags)
	m.files = append(m.files, f)
	return &f, nil
}

func (m *memDocs) AttachNewVersion(_ context.Context, docID int64, format, path string, meta Meta) (*domain.DocumentFile, error) {
	return m.add(docID, m.latest(docID)+1, format, path, meta)
}

func (m *memDocs) AttachNewFormat(_ context.Context, docID int64, format, path string, meta Meta) (*domain.DocumentFile, error) {
	v := m.latest(docID)
	if v == 0 {
		v = 1
	}
	return m.add(docID, v, format, path, meta)
}

func (m *memDocs) UpdateMeta(_ context.Context, fileID int64, meta Meta) error {
	for i := range m.files {
		if m.files[i].ID == fileID {
			m.files[i].Description, m.files[i].Comment = meta.Description, meta.Comment
			return m.files[i].SetFlags(meta.Flags)
		}
	}
	return fmt.Errorf("file %d: %w", fileID, store.ErrNotFound)
}

func (m *memDocs) Rename(_ context.Context, docID int64, docname string) error {
	d, err := m.doc(docID)
	if err != nil {
		return err
	}
	d.Docname = docname
	return nil
}

func (m *memDocs) SetRestriction(_ context.Context, docID int64, restriction string) error {
	d, err := m.doc(docID)
	if err != nil {
		return err
	}
	d.Restriction = restriction
	return nil
}

func (m *memDocs) Delete(_ context.Context, docID int64) error {
	d, err := m.doc(docID)
	if err != nil {
		return err
	}
	d.Deleted = true
	return nil
}

func (m *memDocs) Purge(_ context.Context, docID int64) error {
	v := m.latest(docID)
	kept := m.files[:0]
	for _, f := range m.files {
		if f.DocumentID != docID || f.Version == v {
			kept = append(kept, f)
		}
	}
	m.files = kept
	return nil
}

func (m *memDocs) Remove(_ context.Context, docID int64) error {
	for i, d := range m.docs {
		if d.ID != docID {
			continue
		}
		m.docs = append(m.docs[:i], m.docs[i+1:]...)
		kept := m.files[:0]
		for _, f := range m.files {
			if f.DocumentID != docID {
				kept = append(kept, f)
			}
		}
		m.files = kept
		return nil
	}
	return fmt.Errorf("document %d: %w", docID, store.ErrNotFound)
}

func (m *memDocs) Revert(_ context.Context, docID int64, version int) (int, error) {
	next := m.latest(docID) + 1
	found := false
	for _, f := range m.files {
		if f.DocumentID == docID && f.Version == version && !f.Deleted {
			f.ID, f.Version = m.id(), next
			m.files = append(m.files, f)
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("version %d: %w", version, store.ErrNotFound)
	}
	return next, nil
}

func (m *memDocs) DeleteFile(_ context.Context, docID int64, format string, version int) error {
	for i := range m.files {
		f := &m.files[i]
		if f.DocumentID == docID && f.Format == format && f.Version == version && !f.Deleted {
			f.Deleted = true
			return nil
		}
	}
	return fmt.Errorf("file %s v%d: %w", format, version, store.ErrNotFound)
}

const site = "http://lib.example.org"

func newSync(docs *memDocs) *Synchronizer {
	return NewSynchronizer(docs, &Fetcher{}, config.DefaultKB(), site, nil)
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func declare(t *testing.T, fields ...record.Field) []Declaration {
	t.Helper()
	rec := record.New()
	for _, f := range fields {
		rec.Add(f)
	}
	decls, err := ParseDeclarations(rec, "FFT")
	require.NoError(t, err)
	return decls
}

func fft(pairs ...string) record.Field {
	return record.NewDataField("FFT", ' ', ' ', pairs...)
}

func actions(res Result) []string {
	var out []string
	for _, s := range res.Steps {
		out = append(out, s.String())
	}
	return out
}

func TestParseDeclarations(t *testing.T) {
	decls := declare(t,
		fft("a", "/data/Paper.PDF", "d", "Main text", "o", "HIDDEN", "i", "TMP:doc1", "w", "TMP:ver1"),
		fft("n", "paper", "t", "revert", "v", "2"),
		fft("n", "paper", "t", "Figure", "m", "figure1"),
	)
	require.Len(t, decls, 3)

	assert.Equal(t, "Paper", decls[0].Docname)
	assert.Equal(t, ".pdf", decls[0].Format)
	assert.Equal(t, "Main text", *decls[0].Description)
	assert.Nil(t, decls[0].Comment)
	assert.Equal(t, []string{"HIDDEN"}, decls[0].Flags)
	assert.Equal(t, "doc1", decls[0].DocToken)
	assert.Equal(t, "ver1", decls[0].VersionToken)

	assert.Equal(t, ActionRevert, decls[1].Command)
	assert.Equal(t, 2, decls[1].Version)

	assert.Equal(t, ActionNone, decls[2].Command)
	assert.Equal(t, "Figure", decls[2].Doctype)
	assert.Equal(t, "figure1", decls[2].NewName)

	bad := []struct {
		name  string
		field record.Field
	}{
		{"no docname", fft("d", "desc")},
		{"bad version", fft("n", "x", "t", "REVERT", "v", "two")},
		{"revert without version", fft("n", "x", "t", "REVERT")},
		{"delete-file without format", fft("n", "x", "t", "DELETE-FILE", "v", "1")},
		{"token without prefix", fft("a", "/x.pdf", "i", "doc1")},
		{"path in docname", fft("a", "/x.pdf", "n", "a/b")},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			rec := record.New()
			rec.Add(tt.field)
			_, err := ParseDeclarations(rec, "FFT")
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidRecord))
		})
	}
}

func TestSynchronize_InsertRegeneratesURLs(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	src := writeSource(t, "paper.pdf", "pdf bytes")

	rec := record.MustParseText("001__ 7\n245__ $$aTitle\n8564_ $$uhttp://elsewhere.org/x.pdf\n")
	res, err := newSync(docs).Synchronize(ctx, rec, 7, domain.ModeInsert,
		declare(t, fft("a", src, "d", "Fulltext", "z", "Preprint", "i", "TMP:p")))
	require.NoError(t, err)

	assert.Equal(t, []string{"add-version paper v1.pdf"}, actions(res))
	assert.Equal(t, map[string]int64{"p": 1}, res.DocTokens)
	assert.Equal(t, "8564_", res.Affected.String())

	urls := res.Record.Fields("856")
	require.Len(t, urls, 2)
	ext, _ := urls[0].First("u")
	assert.Equal(t, "http://elsewhere.org/x.pdf", ext, "external references are kept")
	u, _ := urls[1].First("u")
	y, _ := urls[1].First("y")
	z, _ := urls[1].First("z")
	assert.Equal(t, site+"/record/7/files/paper.pdf", u)
	assert.Equal(t, "Fulltext", y)
	assert.Equal(t, "Preprint", z)

	assert.Len(t, rec.Fields("856"), 1, "input record is left alone")
}

func TestSynchronize_SameBytesOnlyUpdateMeta(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)
	src := writeSource(t, "paper.pdf", "pdf bytes")

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", src)))
	require.NoError(t, err)

	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t, fft("a", src, "d", "Updated")))
	require.NoError(t, err)
	assert.Equal(t, []string{"update-meta paper v1.pdf"}, actions(res))

	files, _ := docs.LatestFiles(ctx, 1)
	require.Len(t, files, 1)
	assert.Equal(t, 1, files[0].Version)
	assert.Equal(t, "Updated", files[0].Description)
}

func TestSynchronize_CorrectNewVersion(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)
	dir := t.TempDir()
	pdf := filepath.Join(dir, "paper.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("v1"), 0644))

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", pdf, "d", "Kept")))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(pdf, []byte("v2"), 0644))
	ps := writeSource(t, "paper.ps", "ps bytes")
	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect,
		declare(t, fft("a", pdf, "w", "TMP:v"), fft("a", ps)))
	require.NoError(t, err)
	assert.Equal(t, []string{"add-version paper v2.pdf", "add-format paper v2.ps"}, actions(res))
	assert.Equal(t, 2, res.VersionTokens["v"])

	files, _ := docs.LatestFiles(ctx, 1)
	require.Len(t, files, 2)
	assert.Equal(t, "Kept", files[0].Description, "undeclared metadata carries over")
}

func TestSynchronize_AppendAddsFormat(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", writeSource(t, "paper.pdf", "pdf"))))
	require.NoError(t, err)
	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeAppend, declare(t, fft("a", writeSource(t, "paper.txt", "txt"))))
	require.NoError(t, err)
	assert.Equal(t, []string{"add-format paper v1.txt"}, actions(res))
}

func TestSynchronize_ReplaceDeletesUndeclared(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t,
		fft("a", writeSource(t, "a.pdf", "a")),
		fft("a", writeSource(t, "b.pdf", "b")),
	))
	require.NoError(t, err)

	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeReplace, declare(t, fft("a", writeSource(t, "a.pdf", "a2"))))
	require.NoError(t, err)
	assert.Equal(t, []string{"add-version a v2.pdf", "delete b"}, actions(res))

	live, _ := docs.Documents(ctx, 7)
	require.Len(t, live, 1)
	assert.Equal(t, "a", live[0].Docname)
	assert.Len(t, res.Record.Fields("856"), 1)
}

func TestSynchronize_Commands(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)
	pdf := writeSource(t, "paper.pdf", "one")

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", pdf)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pdf, []byte("two"), 0644))
	_, err = s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t, fft("a", pdf)))
	require.NoError(t, err)

	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t,
		fft("n", "paper", "t", "REVERT", "v", "1"),
		fft("n", "paper", "t", "PURGE"),
		fft("n", "paper", "r", "restricted"),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"revert paper v3", "purge paper", "set-restriction paper"}, actions(res))

	files, _ := docs.LatestFiles(ctx, 1)
	require.Len(t, files, 1)
	assert.Equal(t, 3, files[0].Version)
	assert.Len(t, docs.files, 1, "purge drops older versions")

	res, err = s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t,
		fft("n", "paper", "t", "DELETE-FILE", "f", "pdf", "v", "3")))
	require.NoError(t, err)
	assert.Empty(t, res.Record.Fields("856"))

	_, err = s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t,
		fft("n", "ghost", "t", "DELETE")))
	assert.True(t, errors.Is(err, domain.ErrInvalidRecord))
}

func TestSynchronize_RenameCollision(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)

	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t,
		fft("a", writeSource(t, "a.pdf", "a")),
		fft("a", writeSource(t, "b.pdf", "b")),
	))
	require.NoError(t, err)

	_, err = s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t, fft("n", "a", "m", "b")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAttachmentRenameCollision))
	assert.Equal(t, domain.RouteFatal, domain.KindOf(err).Routing())

	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t, fft("n", "a", "m", "c")))
	require.NoError(t, err)
	assert.Equal(t, []string{"rename c"}, actions(res))
	u, _ := res.Record.Fields("856")[1].First("u")
	assert.Equal(t, site+"/record/7/files/c.pdf", u)
}

func TestSynchronize_RegenerateWithoutDeclarations(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)
	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", writeSource(t, "paper.pdf", "x"))))
	require.NoError(t, err)

	rec := record.MustParseText("001__ 7\n" +
		"8564_ $$u" + site + "/record/7/files/renamed-away.pdf\n" +
		"8564_ $$uhttp://elsewhere.org/y\n")
	res, err := s.Synchronize(ctx, rec, 7, domain.ModeCorrect, nil)
	require.NoError(t, err)

	var got []string
	for _, f := range res.Record.Fields("856") {
		u, _ := f.First("u")
		got = append(got, u)
	}
	assert.Equal(t, []string{"http://elsewhere.org/y", site + "/record/7/files/paper.pdf"}, got)

	again, err := s.Synchronize(ctx, res.Record, 7, domain.ModeCorrect, nil)
	require.NoError(t, err)
	assert.Zero(t, again.Affected.Len(), "regeneration is stable")

	plain := record.MustParseText("001__ 8\n245__ $$aNo files\n")
	res, err = s.Synchronize(ctx, plain, 8, domain.ModeCorrect, nil)
	require.NoError(t, err)
	assert.Same(t, plain, res.Record)
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paper.pdf" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	ctx := context.Background()
	f := &Fetcher{Client: srv.Client(), TmpDir: t.TempDir()}

	got, err := f.Fetch(ctx, srv.URL+"/paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len("remote bytes")), got.Size)
	assert.Equal(t, ".pdf", filepath.Ext(got.Path))
	require.NoError(t, got.Close())
	_, err = os.Stat(got.Path)
	assert.True(t, os.IsNotExist(err), "downloads are removed on close")

	local := writeSource(t, "local.pdf", "remote bytes")
	lf, err := f.Fetch(ctx, "file://"+local)
	require.NoError(t, err)
	assert.Equal(t, got.Checksum, lf.Checksum)
	require.NoError(t, lf.Close())
	_, err = os.Stat(local)
	assert.NoError(t, err, "local sources are never removed")

	for _, src := range []string{srv.URL + "/missing.pdf", filepath.Join(t.TempDir(), "nope.pdf")} {
		_, err := f.Fetch(ctx, src)
		require.Error(t, err, src)
		assert.True(t, errors.Is(err, domain.ErrAttachmentFetchFailed), src)
	}

	limited := &Fetcher{Client: srv.Client(), MaxMB: 1}
	big := writeSource(t, "big.bin", string(make([]byte, 1024*1024+1)))
	_, err = limited.Fetch(ctx, big)
	assert.True(t, errors.Is(err, domain.ErrAttachmentFetchFailed))
}

func TestSynchronize_FetchFailure(t *testing.T) {
	_, err := newSync(&memDocs{}).Synchronize(context.Background(), record.New(), 7, domain.ModeInsert,
		declare(t, fft("a", "/does/not/exist.pdf")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAttachmentFetchFailed))
}

func TestSynchronize_DiscardRemovesCreated(t *testing.T) {
	ctx := context.Background()
	docs := &memDocs{}
	s := newSync(docs)
	old := writeSource(t, "old.pdf", "old bytes")
	_, err := s.Synchronize(ctx, record.New(), 7, domain.ModeInsert, declare(t, fft("a", old)))
	require.NoError(t, err)

	newer := writeSource(t, "old.pdf", "newer bytes")
	extra := writeSource(t, "extra.pdf", "extra bytes")
	res, err := s.Synchronize(ctx, record.New(), 7, domain.ModeCorrect, declare(t,
		fft("a", newer),
		fft("a", extra),
		fft("a", "/does/not/exist.pdf"),
	))
	require.Error(t, err)
	require.Len(t, res.Created, 1, "only the new document is recorded")

	require.NoError(t, s.Discard(ctx, res))
	left, _ := docs.Documents(ctx, 7)
	require.Len(t, left, 1)
	assert.Equal(t, "old", left[0].Docname)
	assert.Equal(t, 2, docs.latest(left[0].ID), "changes to existing documents are kept")
}

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		maxMB   int64
		wantErr bool
	}{
		{"under limit", 1024, 1, false},
		{"at limit", 1024 * 1024, 1, false},
		{"over limit", 2 * 1024 * 1024, 1, true},
		{"no limit", 1000 * 1024 * 1024, 0, false},
		{"negative limit (no limit)", 1000 * 1024 * 1024, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.size, tt.maxMB)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSize(%d, %d) error = %v, wantErr %v", tt.size, tt.maxMB, err, tt.wantErr)
			}
		})
	}
}
