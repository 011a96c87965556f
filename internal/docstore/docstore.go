// Package docstore implements attach.DocumentStore on top of the sqlite
// document tables and a content addressed object directory.
//
// Bytes are stored once per checksum under <root>/objects/; file rows of
// every version and format point at them. Reverting a version therefore
// never copies bytes.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lherron/bibupload/internal/attach"
	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/store"
)

// Store is the filesystem backed document store.
type Store struct {
	docs *store.DocumentStore
	root string
	log  *slog.Logger
}

var _ attach.DocumentStore = (*Store)(nil)

// New creates a Store keeping objects under root.
func New(docs *store.DocumentStore, root string, log *slog.Logger) *Store {
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Store{docs: docs, root: root, log: log}
}

// Root returns the object directory.
func (s *Store) Root() string {
	return s.root
}

// Open opens the bytes of f for reading.
func (s *Store) Open(f domain.DocumentFile) (*os.File, error) {
	return os.Open(AbsolutePath(s.root, f.Path))
}

func (s *Store) Documents(ctx context.Context, recID int64) ([]domain.Document, error) {
	return s.docs.List(ctx, recID)
}

func (s *Store) LatestFiles(ctx context.Context, docID int64) ([]domain.DocumentFile, error) {
	return s.docs.Files(ctx, docID, 0)
}

func (s *Store) Create(ctx context.Context, recID int64, docname, doctype, restriction string) (*domain.Document, error) {
	return s.docs.Create(ctx, recID, docname, doctype, restriction)
}

// AttachNewVersion stores path as the only file of a new latest version.
func (s *Store) AttachNewVersion(ctx context.Context, docID int64, format, path string, meta attach.Meta) (*domain.DocumentFile, error) {
	latest, err := s.docs.LatestVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	return s.add(ctx, docID, latest+1, format, path, meta)
}

// AttachNewFormat adds path to the latest version, creating version 1 for
// a document without files.
func (s *Store) AttachNewFormat(ctx context.Context, docID int64, format, path string, meta attach.Meta) (*domain.DocumentFile, error) {
	latest, err := s.docs.LatestVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		latest = 1
	}
	return s.add(ctx, docID, latest, format, path, meta)
}

func (s *Store) add(ctx context.Context, docID int64, version int, format, src string, meta attach.Meta) (*domain.DocumentFile, error) {
	if err := domain.ValidateFormat(format); err != nil {
		return nil, err
	}
	rel, size, sum, err := s.put(src)
	if err != nil {
		return nil, err
	}
	f := &domain.DocumentFile{
		DocumentID:  docID,
		Version:     version,
		Format:      format,
		Checksum:    sum,
		Size:        size,
		Path:        rel,
		MimeType:    DetectMimeType(format),
		Description: meta.Description,
		Comment:     meta.Comment,
	}
	if err := f.SetFlags(meta.Flags); err != nil {
		return nil, err
	}
	if err := s.docs.AddFile(ctx, f); err != nil {
		return nil, err
	}
	s.log.Debug("stored file", "document", docID, "version", version, "format", format, "checksum", sum)
	return f, nil
}

// put copies src into the object directory and returns its relative path.
func (s *Store) put(src string) (string, int64, string, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", 0, "", fmt.Errorf("failed to create document root: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, ".incoming-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	size, sum, err := CopyFile(src, tmpPath)
	if err != nil {
		return "", 0, "", err
	}
	rel := ObjectPath(sum)
	dst := AbsolutePath(s.root, rel)
	if _, err := os.Stat(dst); err == nil {
		return rel, size, sum, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, "", fmt.Errorf("failed to store object: %w", err)
	}
	return rel, size, sum, nil
}

func (s *Store) UpdateMeta(ctx context.Context, fileID int64, meta attach.Meta) error {
	var f domain.DocumentFile
	if err := f.SetFlags(meta.Flags); err != nil {
		return err
	}
	return s.docs.UpdateFileMeta(ctx, fileID, meta.Description, meta.Comment, f.Flags)
}

func (s *Store) Rename(ctx context.Context, docID int64, docname string) error {
	return s.docs.Rename(ctx, docID, docname)
}

func (s *Store) SetRestriction(ctx context.Context, docID int64, restriction string) error {
	return s.docs.SetRestriction(ctx, docID, restriction)
}

// Delete hides the document. Its files stay available for history.
func (s *Store) Delete(ctx context.Context, docID int64) error {
	return s.docs.MarkDeleted(ctx, docID)
}

// Purge drops every version but the latest and the objects only they used.
func (s *Store) Purge(ctx context.Context, docID int64) error {
	removed, err := s.docs.Purge(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.dropObjects(ctx, removed); err != nil {
		return err
	}
	s.log.Info("purged document", "document", docID, "files", len(removed))
	return nil
}

// Remove deletes the document with all of its versions.
func (s *Store) Remove(ctx context.Context, docID int64) error {
	removed, err := s.docs.Remove(ctx, docID)
	if err != nil {
		return err
	}
	if err := s.dropObjects(ctx, removed); err != nil {
		return err
	}
	s.log.Info("removed document", "document", docID, "files", len(removed))
	return nil
}

// dropObjects deletes the bytes of removed that no file row points at.
func (s *Store) dropObjects(ctx context.Context, removed []domain.DocumentFile) error {
	seen := make(map[string]bool)
	for _, f := range removed {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		inUse, err := s.docs.PathInUse(ctx, f.Path)
		if err != nil {
			return err
		}
		if inUse {
			continue
		}
		if err := removeObject(s.root, f.Path); err != nil {
			return err
		}
	}
	return nil
}

// Revert makes the files of version the new latest version.
func (s *Store) Revert(ctx context.Context, docID int64, version int) (int, error) {
	files, err := s.docs.Files(ctx, docID, version)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("version %d of document %d: %w", version, docID, store.ErrNotFound)
	}
	latest, err := s.docs.LatestVersion(ctx, docID)
	if err != nil {
		return 0, err
	}
	next := latest + 1
	for _, f := range files {
		f.ID, f.Version = 0, next
		if err := s.docs.AddFile(ctx, &f); err != nil {
			return 0, err
		}
	}
	return next, nil
}

func (s *Store) DeleteFile(ctx context.Context, docID int64, format string, version int) error {
	return s.docs.DeleteFile(ctx, docID, format, version)
}
