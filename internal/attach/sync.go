package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
)

// Meta is the metadata of one stored file.
type Meta struct {
	Description string
	Comment     string
	Flags       []string
}

// DocumentStore holds the documents attached to records. Missing documents,
// versions or files are reported with errors wrapping store.ErrNotFound.
type DocumentStore interface {
	// Documents lists the live documents of recID ordered by name.
	Documents(ctx context.Context, recID int64) ([]domain.Document, error)
	// LatestFiles lists the live files of the latest version of docID.
	LatestFiles(ctx context.Context, docID int64) ([]domain.DocumentFile, error)

	Create(ctx context.Context, recID int64, docname, doctype, restriction string) (*domain.Document, error)
	AttachNewVersion(ctx context.Context, docID int64, format, path string, meta Meta) (*domain.DocumentFile, error)
	AttachNewFormat(ctx context.Context, docID int64, format, path string, meta Meta) (*domain.DocumentFile, error)
	UpdateMeta(ctx context.Context, fileID int64, meta Meta) error
	Rename(ctx context.Context, docID int64, docname string) error
	SetRestriction(ctx context.Context, docID int64, restriction string) error
	Delete(ctx context.Context, docID int64) error
	Purge(ctx context.Context, docID int64) error
	// Remove deletes a document with every version.
	Remove(ctx context.Context, docID int64) error
	// Revert copies version into a new latest version and returns it.
	Revert(ctx context.Context, docID int64, version int) (int, error)
	DeleteFile(ctx context.Context, docID int64, format string, version int) error
}

// Step is one instruction carried out against the document store.
type Step struct {
	Action  Action
	Docname string
	DocID   int64
	Version int
	Format  string
}

func (s Step) String() string {
	out := fmt.Sprintf("%s %s", s.Action, s.Docname)
	if s.Version > 0 {
		out += fmt.Sprintf(" v%d", s.Version)
	}
	return out + s.Format
}

// Result is the outcome of a synchronization.
type Result struct {
	// Record is the input record with regenerated file-reference fields.
	Record *record.Record
	// Affected holds the file-reference groups that changed.
	Affected record.AffectedFieldSet
	Steps    []Step
	// Created lists the documents this run created, in creation order.
	Created []int64

	// DocTokens and VersionTokens map the declared temporary tokens to the
	// document id and version they resolved to.
	DocTokens     map[string]int64
	VersionTokens map[string]int
}

// Synchronizer applies attachment declarations and mirrors the document
// store into the file-reference fields.
type Synchronizer struct {
	docs    DocumentStore
	src     Source
	urlSpec record.TagSpec
	siteURL string
	log     *slog.Logger
}

// NewSynchronizer creates a Synchronizer. File URLs are rooted at siteURL.
func NewSynchronizer(docs DocumentStore, src Source, kb config.KB, siteURL string, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Synchronizer{
		docs:    docs,
		src:     src,
		urlSpec: kb.URLSpec(),
		siteURL: strings.TrimRight(siteURL, "/"),
		log:     log,
	}
}

type syncState struct {
	recID    int64
	mode     domain.Mode
	byName   map[string]*domain.Document
	declared map[string]bool
	// bumped holds documents that got a new version during this run.
	bumped map[int64]bool
	res    *Result
}

// Synchronize applies decls for record recID under mode, then regenerates
// the file-reference fields of rec. rec itself is not modified.
func (s *Synchronizer) Synchronize(ctx context.Context, rec *record.Record, recID int64, mode domain.Mode, decls []Declaration) (Result, error) {
	res := Result{
		Record:        rec,
		Affected:      record.NewAffected(),
		DocTokens:     make(map[string]int64),
		VersionTokens: make(map[string]int),
	}
	if len(decls) == 0 && !s.hasInternalURLs(rec, recID) {
		return res, nil
	}

	if len(decls) > 0 && mode != domain.ModeDelete {
		st, err := s.load(ctx, recID, mode, &res)
		if err != nil {
			return res, err
		}
		for _, d := range decls {
			if err := s.apply(ctx, st, d); err != nil {
				return res, err
			}
		}
		if mode == domain.ModeReplace || mode == domain.ModeReplaceOrInsert {
			if err := s.deleteUndeclared(ctx, st); err != nil {
				return res, err
			}
		}
	} else if len(decls) > 0 {
		s.log.Debug("attachment declarations ignored", "record", recID, "mode", mode.String(), "count", len(decls))
	}

	out, affected, err := s.regenerate(ctx, rec, recID)
	if err != nil {
		return res, err
	}
	res.Record = out
	res.Affected = affected
	return res, nil
}

// Discard removes the documents res created, for a record whose commit did
// not happen. Documents that existed before the run are left alone.
func (s *Synchronizer) Discard(ctx context.Context, res Result) error {
	var errs []error
	for i := len(res.Created) - 1; i >= 0; i-- {
		if err := s.docs.Remove(ctx, res.Created[i]); err != nil {
			errs = append(errs, fmt.Errorf("remove document %d: %w", res.Created[i], err))
		}
	}
	return errors.Join(errs...)
}

func (s *Synchronizer) load(ctx context.Context, recID int64, mode domain.Mode, res *Result) (*syncState, error) {
	docs, err := s.docs.Documents(ctx, recID)
	if err != nil {
		return nil, domain.Wrap(domain.KindPersistenceFailure, err, "list documents of record %d", recID)
	}
	st := &syncState{
		recID:    recID,
		mode:     mode,
		byName:   make(map[string]*domain.Document, len(docs)),
		declared: make(map[string]bool),
		bumped:   make(map[int64]bool),
		res:      res,
	}
	for i := range docs {
		st.byName[docs[i].Docname] = &docs[i]
	}
	return st, nil
}

func (s *Synchronizer) apply(ctx context.Context, st *syncState, d Declaration) error {
	st.declared[d.Docname] = true
	doc := st.byName[d.Docname]

	if d.Command != ActionNone {
		return s.command(ctx, st, d, doc)
	}

	if d.NewName != "" && d.NewName != d.Docname {
		if doc == nil {
			return domain.Errorf(domain.KindInvalidRecord, "cannot rename unknown document %q", d.Docname)
		}
		if _, taken := st.byName[d.NewName]; taken {
			return domain.Errorf(domain.KindAttachmentRenameCollision, "document %q already exists", d.NewName)
		}
		if err := s.docs.Rename(ctx, doc.ID, d.NewName); err != nil {
			return storeErr(err, "rename document %q", d.Docname)
		}
		delete(st.byName, d.Docname)
		doc.Docname = d.NewName
		st.byName[d.NewName] = doc
		st.declared[d.NewName] = true
		s.step(st, Step{Action: ActionRename, Docname: d.NewName, DocID: doc.ID})
	}

	if d.Restriction != nil && doc != nil && doc.Restriction != *d.Restriction {
		if err := s.docs.SetRestriction(ctx, doc.ID, *d.Restriction); err != nil {
			return storeErr(err, "restrict document %q", doc.Docname)
		}
		doc.Restriction = *d.Restriction
		s.step(st, Step{Action: ActionSetRestriction, Docname: doc.Docname, DocID: doc.ID})
	}

	switch {
	case d.HasSource():
		return s.attach(ctx, st, d, doc)
	case d.HasMeta():
		if doc == nil {
			return domain.Errorf(domain.KindInvalidRecord, "metadata for unknown document %q", d.Docname)
		}
		return s.updateMeta(ctx, st, d, doc)
	case doc != nil:
		s.resolved(st, d, doc.ID, 0)
	}
	return nil
}

// attach stores the declared bytes, or only their metadata when the same
// bytes are already the latest file of that format.
func (s *Synchronizer) attach(ctx context.Context, st *syncState, d Declaration, doc *domain.Document) error {
	fetched, err := s.src.Fetch(ctx, d.Source)
	if err != nil {
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.Wrap(domain.KindAttachmentFetchFailed, err, "fetch %s", d.Source)
		}
		return err
	}
	defer fetched.Close()

	if doc == nil {
		restriction := ""
		if d.Restriction != nil {
			restriction = *d.Restriction
		}
		doc, err = s.docs.Create(ctx, st.recID, d.Docname, d.Doctype, restriction)
		if err != nil {
			return storeErr(err, "create document %q", d.Docname)
		}
		st.byName[d.Docname] = doc
		st.res.Created = append(st.res.Created, doc.ID)
		return s.addFile(ctx, st, d, doc, fetched, ActionAddVersion, nil)
	}

	latest, err := s.docs.LatestFiles(ctx, doc.ID)
	if err != nil {
		return storeErr(err, "list files of document %q", doc.Docname)
	}
	same := withFormat(latest, d.Format)
	if same != nil && same.Checksum == fetched.Checksum {
		if err := s.docs.UpdateMeta(ctx, same.ID, metaFor(d, same)); err != nil {
			return storeErr(err, "update %s%s", doc.Docname, d.Format)
		}
		s.step(st, Step{Action: ActionUpdateMeta, Docname: doc.Docname, DocID: doc.ID, Version: same.Version, Format: d.Format})
		s.resolved(st, d, doc.ID, same.Version)
		return nil
	}

	action := ActionAddVersion
	if same == nil && (st.bumped[doc.ID] || st.mode == domain.ModeAppend) && len(latest) > 0 {
		action = ActionAddFormat
	}
	return s.addFile(ctx, st, d, doc, fetched, action, same)
}

func (s *Synchronizer) addFile(ctx context.Context, st *syncState, d Declaration, doc *domain.Document, fetched *Fetched, action Action, prev *domain.DocumentFile) error {
	var (
		f   *domain.DocumentFile
		err error
	)
	if action == ActionAddFormat {
		f, err = s.docs.AttachNewFormat(ctx, doc.ID, d.Format, fetched.Path, metaFor(d, prev))
	} else {
		f, err = s.docs.AttachNewVersion(ctx, doc.ID, d.Format, fetched.Path, metaFor(d, prev))
		st.bumped[doc.ID] = true
	}
	if err != nil {
		return storeErr(err, "attach %s%s", doc.Docname, d.Format)
	}
	s.log.Info("attached file", "record", st.recID, "docname", doc.Docname, "format", d.Format,
		"version", f.Version, "action", action.String(), "size", fetched.Size)
	s.step(st, Step{Action: action, Docname: doc.Docname, DocID: doc.ID, Version: f.Version, Format: d.Format})
	s.resolved(st, d, doc.ID, f.Version)
	return nil
}

func (s *Synchronizer) updateMeta(ctx context.Context, st *syncState, d Declaration, doc *domain.Document) error {
	latest, err := s.docs.LatestFiles(ctx, doc.ID)
	if err != nil {
		return storeErr(err, "list files of document %q", doc.Docname)
	}
	version := 0
	for i := range latest {
		f := &latest[i]
		if d.Format != "" && f.Format != d.Format {
			continue
		}
		if err := s.docs.UpdateMeta(ctx, f.ID, metaFor(d, f)); err != nil {
			return storeErr(err, "update %s%s", doc.Docname, f.Format)
		}
		version = f.Version
		s.step(st, Step{Action: ActionUpdateMeta, Docname: doc.Docname, DocID: doc.ID, Version: f.Version, Format: f.Format})
	}
	if version == 0 && d.Format != "" {
		return domain.Errorf(domain.KindInvalidRecord, "document %q has no %s file", doc.Docname, d.Format)
	}
	s.resolved(st, d, doc.ID, version)
	return nil
}

func (s *Synchronizer) command(ctx context.Context, st *syncState, d Declaration, doc *domain.Document) error {
	if d.Command == ActionFixMARC {
		return nil
	}
	if doc == nil {
		return domain.Errorf(domain.KindInvalidRecord, "%s of unknown document %q", d.Command, d.Docname)
	}

	step := Step{Action: d.Command, Docname: doc.Docname, DocID: doc.ID}
	var err error
	switch d.Command {
	case ActionPurge:
		err = s.docs.Purge(ctx, doc.ID)
	case ActionDelete:
		err = s.docs.Delete(ctx, doc.ID)
		delete(st.byName, doc.Docname)
	case ActionRevert:
		step.Version, err = s.docs.Revert(ctx, doc.ID, d.Version)
		st.bumped[doc.ID] = true
	case ActionDeleteFile:
		step.Version, step.Format = d.Version, d.Format
		err = s.docs.DeleteFile(ctx, doc.ID, d.Format, d.Version)
	default:
		return fmt.Errorf("unsupported attachment command %s", d.Command)
	}
	if err != nil {
		return storeErr(err, "%s document %q", d.Command, doc.Docname)
	}
	s.step(st, step)
	s.resolved(st, d, doc.ID, step.Version)
	return nil
}

// deleteUndeclared removes the documents a replace did not mention.
func (s *Synchronizer) deleteUndeclared(ctx context.Context, st *syncState) error {
	names := make([]string, 0, len(st.byName))
	for name := range st.byName {
		if !st.declared[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		doc := st.byName[name]
		if err := s.docs.Delete(ctx, doc.ID); err != nil {
			return storeErr(err, "delete document %q", name)
		}
		delete(st.byName, name)
		s.step(st, Step{Action: ActionDelete, Docname: name, DocID: doc.ID})
	}
	return nil
}

func (s *Synchronizer) step(st *syncState, step Step) {
	st.res.Steps = append(st.res.Steps, step)
	s.log.Debug("attachment step", "record", st.recID, "step", step.String())
}

func (s *Synchronizer) resolved(st *syncState, d Declaration, docID int64, version int) {
	if d.DocToken != "" {
		st.res.DocTokens[d.DocToken] = docID
	}
	if d.VersionToken != "" && version > 0 {
		st.res.VersionTokens[d.VersionToken] = version
	}
}

// FileURL is the public URL of a stored file.
func (s *Synchronizer) FileURL(recID int64, docname, format string) string {
	return s.filesPrefix(recID) + url.PathEscape(docname) + format
}

func (s *Synchronizer) filesPrefix(recID int64) string {
	return s.siteURL + "/record/" + id.FormatRecord(recID) + "/files/"
}

func (s *Synchronizer) isInternal(f record.Field, recID int64) bool {
	if !s.urlSpec.MatchesField(f) {
		return false
	}
	u, _ := f.First("u")
	return strings.HasPrefix(u, s.filesPrefix(recID))
}

func (s *Synchronizer) hasInternalURLs(rec *record.Record, recID int64) bool {
	for _, f := range rec.Fields(s.urlSpec.Tag) {
		if s.isInternal(f, recID) {
			return true
		}
	}
	return false
}

// regenerate replaces the internal file-reference fields of rec with one
// field per latest file in the store. External ones are kept.
func (s *Synchronizer) regenerate(ctx context.Context, rec *record.Record, recID int64) (*record.Record, record.AffectedFieldSet, error) {
	out := rec.Clone()
	out.DeleteWhere(s.urlSpec.Tag, func(f record.Field) bool { return s.isInternal(f, recID) })

	docs, err := s.docs.Documents(ctx, recID)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindPersistenceFailure, err, "list documents of record %d", recID)
	}
	for _, doc := range docs {
		files, err := s.docs.LatestFiles(ctx, doc.ID)
		if err != nil {
			return nil, nil, storeErr(err, "list files of document %q", doc.Docname)
		}
		for _, f := range files {
			pairs := []string{"u", s.FileURL(recID, doc.Docname, f.Format)}
			if f.Description != "" {
				pairs = append(pairs, "y", f.Description)
			}
			if f.Comment != "" {
				pairs = append(pairs, "z", f.Comment)
			}
			out.Add(record.NewDataField(s.urlSpec.Tag, s.urlSpec.Ind1, s.urlSpec.Ind2, pairs...))
		}
	}

	affected := record.DiffTags(rec, out, []string{s.urlSpec.Tag})
	if affected.Len() == 0 {
		return rec, affected, nil
	}
	return out, affected, nil
}

func withFormat(files []domain.DocumentFile, format string) *domain.DocumentFile {
	for i := range files {
		if files[i].Format == format {
			return &files[i]
		}
	}
	return nil
}

// metaFor overlays the metadata declared in d on prev.
func metaFor(d Declaration, prev *domain.DocumentFile) Meta {
	var m Meta
	if prev != nil {
		m.Description, m.Comment = prev.Description, prev.Comment
		m.Flags, _ = prev.GetFlags()
	}
	if d.Description != nil {
		m.Description = *d.Description
	}
	if d.Comment != nil {
		m.Comment = *d.Comment
	}
	if len(d.Flags) > 0 {
		m.Flags = d.Flags
	}
	return m
}

// storeErr classifies a document store failure. Missing rows point at a bad
// declaration, anything else at the store.
func storeErr(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.Wrap(domain.KindInvalidRecord, err, format, args...)
	}
	return domain.Wrap(domain.KindPersistenceFailure, err, format, args...)
}
