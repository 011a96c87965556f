package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lherron/bibupload/internal/db"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
)

// setupTestDB creates a temporary test database with migrations applied.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// setupTestRecord commits rec under a fresh id with every group affected.
func setupTestRecord(t *testing.T, s *Store, rec *record.Record) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.Records.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	rev, _ := rec.Control(record.RevisionTag)
	if err := s.Records.WriteGroups(ctx, id, rec, record.AffectedAll(rec), rev); err != nil {
		t.Fatalf("WriteGroups failed: %v", err)
	}
	return id
}

func sampleRecord() *record.Record {
	return record.MustParseText(`
001__ 1
005__ 20240101120000.0
035__ $$aoai:arXiv.org:1234$$9arXiv
1001_ $$aDoe, J.
245__ $$aTitle
970__ $$aSYS-0001
`)
}

func TestRecordStore_WriteAndLoad(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	rec := sampleRecord()
	id := setupTestRecord(t, s, rec)

	loaded, err := s.Records.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !record.Equal(rec, loaded) {
		t.Errorf("loaded record differs:\n%s\nwant:\n%s", record.Text(loaded), record.Text(rec))
	}
	if loaded.MaxPos() != rec.MaxPos() {
		t.Errorf("expected max field number %d, got %d", rec.MaxPos(), loaded.MaxPos())
	}
	for _, f := range rec.All() {
		got, ok := loaded.FieldAt(f.Pos)
		if !ok || !got.SameContent(f) {
			t.Errorf("field number %d not preserved: %+v", f.Pos, got)
		}
	}

	h, err := s.Records.Header(ctx, id)
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if h.Revision != "20240101120000.0" {
		t.Errorf("expected revision 20240101120000.0, got %q", h.Revision)
	}
}

func TestRecordStore_WriteGroupsIsSelective(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	rec := sampleRecord()
	id := setupTestRecord(t, s, rec)

	next := rec.Clone()
	next.Delete("245")
	next.Add(record.NewDataField("245", ' ', ' ', "a", "New Title"))
	next.SetControl(record.RevisionTag, "20240101120001.0")
	// Changed but not listed as affected: must not reach the store.
	next.Delete("100")
	next.Add(record.NewDataField("100", '1', ' ', "a", "Someone Else"))

	groups := record.NewAffected()
	groups.Add("245", ' ', ' ')
	groups.Add(record.RevisionTag, ' ', ' ')
	if err := s.Records.WriteGroups(ctx, id, next, groups, "20240101120001.0"); err != nil {
		t.Fatalf("WriteGroups failed: %v", err)
	}

	loaded, err := s.Records.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.Values(record.MustTagSpec("245__a")); len(got) != 1 || got[0] != "New Title" {
		t.Errorf("expected 245a New Title, got %v", got)
	}
	if got := loaded.Values(record.MustTagSpec("1001_a")); len(got) != 1 || got[0] != "Doe, J." {
		t.Errorf("expected untouched 100a, got %v", got)
	}
	if rev, _ := loaded.Control(record.RevisionTag); rev != "20240101120001.0" {
		t.Errorf("expected new revision, got %q", rev)
	}
}

func TestRecordStore_Restore(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	rec := sampleRecord()
	id := setupTestRecord(t, s, rec)

	broken := rec.Clone()
	broken.Delete("245")
	broken.SetControl(record.RevisionTag, "20240101120005.0")
	groups := record.NewAffected()
	groups.Add("245", ' ', ' ')
	groups.Add(record.RevisionTag, ' ', ' ')
	if err := s.Records.WriteGroups(ctx, id, broken, groups, "20240101120005.0"); err != nil {
		t.Fatalf("WriteGroups failed: %v", err)
	}

	if err := s.Records.Restore(ctx, id, rec, groups); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	loaded, err := s.Records.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !record.Equal(rec, loaded) {
		t.Errorf("restore did not bring back the old snapshot:\n%s", record.Text(loaded))
	}
	h, _ := s.Records.Header(ctx, id)
	if h.Revision != "20240101120000.0" {
		t.Errorf("expected restored revision, got %q", h.Revision)
	}

	// A nil snapshot means the record was new: restore removes it.
	if err := s.Records.Restore(ctx, id, nil, groups); err != nil {
		t.Fatalf("Restore(nil) failed: %v", err)
	}
	if _, err := s.Records.Load(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after restore of new record, got %v", err)
	}
}

func TestRecordStore_AllocateAndRelease(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	a, err := s.Records.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	b, err := s.Records.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if b <= a {
		t.Errorf("expected increasing ids, got %d then %d", a, b)
	}

	if err := s.Records.Release(ctx, b); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, _ := s.Records.Exists(ctx, b); ok {
		t.Error("expected released id to be gone")
	}

	committed := setupTestRecord(t, s, sampleRecord())
	if err := s.Records.Release(ctx, committed); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, _ := s.Records.Exists(ctx, committed); !ok {
		t.Error("Release must not remove a committed record")
	}

	if err := s.Records.AllocateID(ctx, 500); err != nil {
		t.Fatalf("AllocateID failed: %v", err)
	}
	if err := s.Records.AllocateID(ctx, 500); err == nil {
		t.Error("expected error allocating the same id twice")
	}
	if err := s.Records.AllocateID(ctx, 0); err == nil {
		t.Error("expected error for id 0")
	}
}

func TestRecordStore_FindBySubfield(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()
	id := setupTestRecord(t, s, sampleRecord())

	tests := []struct {
		name  string
		spec  string
		value string
		fold  bool
		want  int
	}{
		{"data field", "970__a", "SYS-0001", false, 1},
		{"case sensitive miss", "970__a", "sys-0001", false, 0},
		{"case folded", "970__a", "sys-0001", true, 1},
		{"wildcard indicators", "100%%a", "Doe, J.", false, 1},
		{"wrong indicator", "1002_a", "Doe, J.", false, 0},
		{"control field", "001", "1", false, 1},
		{"unknown value", "035__a", "oai:none", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := s.Records.FindBySubfield(ctx, record.MustTagSpec(tt.spec), tt.value, tt.fold)
			if err != nil {
				t.Fatalf("FindBySubfield failed: %v", err)
			}
			if len(ids) != tt.want {
				t.Fatalf("expected %d ids, got %v", tt.want, ids)
			}
			if tt.want == 1 && ids[0] != id {
				t.Errorf("expected id %d, got %d", id, ids[0])
			}
		})
	}
}

func TestHistoryStore(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	for _, rev := range []string{"20240101120000.0", "20240101120001.0"} {
		e := &domain.HistoryEntry{
			RecordID: 7, Revision: rev, JobID: "job-1", Actor: "tester",
			Affected: "005__,245__", Snapshot: "<record/>",
		}
		if err := s.History.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected entry ID to be set")
		}
	}

	dup := &domain.HistoryEntry{RecordID: 7, Revision: "20240101120000.0", Actor: "tester", Snapshot: "<record/>"}
	if err := s.History.Append(ctx, dup); err == nil {
		t.Error("expected duplicate revision to be rejected")
	}

	latest, err := s.History.Latest(ctx, 7)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Revision != "20240101120001.0" {
		t.Errorf("expected latest revision 20240101120001.0, got %s", latest.Revision)
	}

	got, err := s.History.Get(ctx, 7, "20240101120000.0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Affected != "005__,245__" || got.Actor != "tester" {
		t.Errorf("unexpected entry %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be scanned")
	}

	if _, err := s.History.Get(ctx, 7, "19990101000000.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := s.History.List(ctx, 7)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].Revision != "20240101120000.0" {
		t.Errorf("expected two entries oldest first, got %+v", list)
	}

	job, err := s.History.ListJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListJob failed: %v", err)
	}
	if len(job) != 2 {
		t.Errorf("expected 2 entries for job-1, got %d", len(job))
	}
}

func TestHoldingPenStore(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	e := &domain.HoldingPenEntry{ExternalID: "oai:x:1", MatchedID: 3, Reason: "ConflictingRevisions", JobID: "job-2", Snapshot: "<record/>"}
	if err := s.HoldingPen.Insert(ctx, e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	other := &domain.HoldingPenEntry{ExternalID: "oai:x:2", Reason: "InvalidRevision", Snapshot: "<record/>"}
	if err := s.HoldingPen.Insert(ctx, other); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := s.HoldingPen.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MatchedID != 3 || got.Reason != "ConflictingRevisions" {
		t.Errorf("unexpected entry %+v", got)
	}

	byExt, err := s.HoldingPen.List(ctx, HoldingPenFilter{ExternalID: "oai:x:2"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byExt) != 1 || byExt[0].ID != other.ID {
		t.Errorf("expected only entry %d, got %+v", other.ID, byExt)
	}

	all, err := s.HoldingPen.List(ctx, HoldingPenFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 entries, got %d", len(all))
	}
}

func TestRelationStore(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	rel := domain.Relation{
		From: domain.Endpoint{DocID: 1, Version: 1, Format: ".pdf"},
		To:   domain.Endpoint{DocID: 2, Version: 1, Format: ".pdf"},
		Type: "is_extracted_from",
		Meta: map[string]string{"page": "3"},
	}
	id, err := s.Relations.Create(ctx, rel)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := s.Relations.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.From != rel.From || got.To != rel.To || got.Meta["page"] != "3" {
		t.Errorf("unexpected relation %+v", got)
	}

	if _, err := s.Relations.Create(ctx, rel); err == nil {
		t.Error("expected duplicate relation to be rejected")
	}

	if err := s.Relations.SetMeta(ctx, id, map[string]string{"page": "4", "note": "x"}); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	matching, err := s.Relations.Matching(ctx, RelationFilter{From: domain.Endpoint{DocID: 1}, Type: "is_extracted_from"})
	if err != nil {
		t.Fatalf("Matching failed: %v", err)
	}
	if len(matching) != 1 || matching[0].Meta["page"] != "4" || matching[0].Meta["note"] != "x" {
		t.Errorf("unexpected matching result %+v", matching)
	}

	touching, err := s.Relations.ForDocuments(ctx, []int64{2, 99})
	if err != nil {
		t.Fatalf("ForDocuments failed: %v", err)
	}
	if len(touching) != 1 {
		t.Errorf("expected 1 relation touching doc 2, got %d", len(touching))
	}

	if err := s.Relations.ClearMeta(ctx, id); err != nil {
		t.Fatalf("ClearMeta failed: %v", err)
	}
	got, _ = s.Relations.Get(ctx, id)
	if len(got.Meta) != 0 {
		t.Errorf("expected empty meta, got %v", got.Meta)
	}

	if err := s.Relations.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Relations.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDocumentStore(t *testing.T) {
	s := New(setupTestDB(t))
	ctx := context.Background()

	doc, err := s.Documents.Create(ctx, 1, "paper", "", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if doc.Doctype != "Main" {
		t.Errorf("expected default doctype Main, got %q", doc.Doctype)
	}
	if _, err := s.Documents.Create(ctx, 1, "paper", "Main", ""); err == nil {
		t.Error("expected duplicate docname to be rejected")
	}
	if _, err := s.Documents.Create(ctx, 1, "a/b", "Main", ""); err == nil {
		t.Error("expected docname with a slash to be rejected")
	}

	for _, f := range []domain.DocumentFile{
		{DocumentID: doc.ID, Version: 1, Format: ".pdf", Checksum: "c1", Size: 10, Path: "p1"},
		{DocumentID: doc.ID, Version: 1, Format: ".ps", Checksum: "c2", Size: 20, Path: "p2"},
		{DocumentID: doc.ID, Version: 2, Format: ".pdf", Checksum: "c3", Size: 30, Path: "p3"},
	} {
		f := f
		if err := s.Documents.AddFile(ctx, &f); err != nil {
			t.Fatalf("AddFile failed: %v", err)
		}
	}

	v, err := s.Documents.LatestVersion(ctx, doc.ID)
	if err != nil || v != 2 {
		t.Fatalf("expected latest version 2, got %d (%v)", v, err)
	}
	latest, err := s.Documents.Files(ctx, doc.ID, 0)
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(latest) != 1 || latest[0].Checksum != "c3" {
		t.Errorf("expected only the v2 pdf, got %+v", latest)
	}
	if flags, _ := latest[0].GetFlags(); len(flags) != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}

	if err := s.Documents.UpdateFileMeta(ctx, latest[0].ID, "Fulltext", "ok", `["HIDDEN"]`); err != nil {
		t.Fatalf("UpdateFileMeta failed: %v", err)
	}
	latest, _ = s.Documents.Files(ctx, doc.ID, 2)
	if latest[0].Description != "Fulltext" || latest[0].Flags != `["HIDDEN"]` {
		t.Errorf("metadata not updated: %+v", latest[0])
	}

	if err := s.Documents.Rename(ctx, doc.ID, "article"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := s.Documents.ByName(ctx, 1, "paper"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected old name to be gone, got %v", err)
	}
	if _, err := s.Documents.ByName(ctx, 1, "article"); err != nil {
		t.Errorf("ByName after rename failed: %v", err)
	}

	if err := s.Documents.DeleteFile(ctx, doc.ID, ".pdf", 2); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if err := s.Documents.DeleteFile(ctx, doc.ID, ".pdf", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second DeleteFile, got %v", err)
	}

	removed, err := s.Documents.Purge(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("expected the two v1 files to be purged, got %d", len(removed))
	}
	all, _ := s.Documents.AllFiles(ctx, doc.ID)
	if len(all) != 1 || all[0].Version != 2 {
		t.Errorf("expected only v2 to remain, got %+v", all)
	}

	if err := s.Documents.MarkDeleted(ctx, doc.ID); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	docs, _ := s.Documents.List(ctx, 1)
	if len(docs) != 0 {
		t.Errorf("expected no live documents, got %d", len(docs))
	}
	// The name is free again once the document is deleted.
	if _, err := s.Documents.Create(ctx, 1, "article", "Main", ""); err != nil {
		t.Errorf("expected name reuse after delete, got %v", err)
	}
}
