package store

import (
	"context"
	"fmt"

	"github.com/lherron/bibupload/internal/domain"
)

// DocumentStore handles document and document file metadata. File bytes
// live on disk and are managed by the docstore package.
type DocumentStore struct {
	store *Store
}

const (
	documentColumns = `id, record_id, docname, doctype, restriction, deleted, created_at, modified_at`
	fileColumns     = `id, document_id, version, format, checksum, size, path, mime_type, description, comment, flags, deleted, created_at`
)

// Create inserts a new document owned by recID.
func (ds *DocumentStore) Create(ctx context.Context, recID int64, docname, doctype, restriction string) (*domain.Document, error) {
	if err := domain.ValidateDocname(docname); err != nil {
		return nil, err
	}
	if doctype == "" {
		doctype = "Main"
	}
	res, err := ds.store.db.ExecContext(ctx, `
		INSERT INTO documents (record_id, docname, doctype, restriction)
		VALUES (?, ?, ?, ?)
	`, recID, docname, doctype, restriction)
	if err != nil {
		return nil, fmt.Errorf("failed to create document %q: %w", docname, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get document id: %w", err)
	}
	return ds.Get(ctx, id)
}

// Get returns document id, deleted or not.
func (ds *DocumentStore) Get(ctx context.Context, id int64) (*domain.Document, error) {
	var d domain.Document
	if err := ds.store.x.GetContext(ctx, &d, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("document %d", id))
	}
	return &d, nil
}

// ByName returns the live document named docname of record recID.
func (ds *DocumentStore) ByName(ctx context.Context, recID int64, docname string) (*domain.Document, error) {
	var d domain.Document
	err := ds.store.x.GetContext(ctx, &d, `
		SELECT `+documentColumns+` FROM documents
		WHERE record_id = ? AND docname = ? AND deleted = 0
	`, recID, docname)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("document %q of record %d", docname, recID))
	}
	return &d, nil
}

// List returns the live documents of record recID ordered by name.
func (ds *DocumentStore) List(ctx context.Context, recID int64) ([]domain.Document, error) {
	var out []domain.Document
	if err := ds.store.x.SelectContext(ctx, &out, `
		SELECT `+documentColumns+` FROM documents
		WHERE record_id = ? AND deleted = 0 ORDER BY docname
	`, recID); err != nil {
		return nil, fmt.Errorf("failed to list documents of record %d: %w", recID, err)
	}
	return out, nil
}

// Rename changes the name of document id.
func (ds *DocumentStore) Rename(ctx context.Context, id int64, docname string) error {
	if err := domain.ValidateDocname(docname); err != nil {
		return err
	}
	return ds.update(ctx, id, `docname = ?`, docname)
}

// SetRestriction changes the access restriction of document id.
func (ds *DocumentStore) SetRestriction(ctx context.Context, id int64, restriction string) error {
	return ds.update(ctx, id, `restriction = ?`, restriction)
}

// SetDoctype changes the doctype of document id.
func (ds *DocumentStore) SetDoctype(ctx context.Context, id int64, doctype string) error {
	return ds.update(ctx, id, `doctype = ?`, doctype)
}

// MarkDeleted hides document id. Its files stay on disk until purged.
func (ds *DocumentStore) MarkDeleted(ctx context.Context, id int64) error {
	return ds.update(ctx, id, `deleted = ?`, 1)
}

func (ds *DocumentStore) update(ctx context.Context, id int64, set string, value interface{}) error {
	res, err := ds.store.db.ExecContext(ctx, `
		UPDATE documents SET `+set+`, modified_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
		WHERE id = ?
	`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update document %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddFile inserts f and sets f.ID.
func (ds *DocumentStore) AddFile(ctx context.Context, f *domain.DocumentFile) error {
	if f.Flags == "" {
		f.Flags = "[]"
	}
	res, err := ds.store.db.ExecContext(ctx, `
		INSERT INTO document_files (document_id, version, format, checksum, size, path, mime_type, description, comment, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.DocumentID, f.Version, f.Format, f.Checksum, f.Size, f.Path, f.MimeType, f.Description, f.Comment, f.Flags)
	if err != nil {
		return fmt.Errorf("failed to add file %s v%d to document %d: %w", f.Format, f.Version, f.DocumentID, err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get file id: %w", err)
	}
	return nil
}

// LatestVersion returns the highest version of document id, 0 when it has
// no files.
func (ds *DocumentStore) LatestVersion(ctx context.Context, id int64) (int, error) {
	var v int
	if err := ds.store.x.GetContext(ctx, &v, `
		SELECT COALESCE(MAX(version), 0) FROM document_files WHERE document_id = ?
	`, id); err != nil {
		return 0, fmt.Errorf("failed to get latest version of document %d: %w", id, err)
	}
	return v, nil
}

// Files returns the live files of document id at version. Version 0 means
// the latest version.
func (ds *DocumentStore) Files(ctx context.Context, id int64, version int) ([]domain.DocumentFile, error) {
	if version == 0 {
		v, err := ds.LatestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		version = v
	}
	var out []domain.DocumentFile
	if err := ds.store.x.SelectContext(ctx, &out, `
		SELECT `+fileColumns+` FROM document_files
		WHERE document_id = ? AND version = ? AND deleted = 0 ORDER BY format
	`, id, version); err != nil {
		return nil, fmt.Errorf("failed to list files of document %d: %w", id, err)
	}
	return out, nil
}

// AllFiles returns every file row of document id, including deleted ones.
func (ds *DocumentStore) AllFiles(ctx context.Context, id int64) ([]domain.DocumentFile, error) {
	var out []domain.DocumentFile
	if err := ds.store.x.SelectContext(ctx, &out, `
		SELECT `+fileColumns+` FROM document_files
		WHERE document_id = ? ORDER BY version, format
	`, id); err != nil {
		return nil, fmt.Errorf("failed to list files of document %d: %w", id, err)
	}
	return out, nil
}

// UpdateFileMeta rewrites the description, comment and flags of file id.
func (ds *DocumentStore) UpdateFileMeta(ctx context.Context, id int64, description, comment, flags string) error {
	if flags == "" {
		flags = "[]"
	}
	res, err := ds.store.db.ExecContext(ctx, `
		UPDATE document_files SET description = ?, comment = ?, flags = ? WHERE id = ?
	`, description, comment, flags, id)
	if err != nil {
		return fmt.Errorf("failed to update file %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteFile hides the file of document id with format at version.
func (ds *DocumentStore) DeleteFile(ctx context.Context, id int64, format string, version int) error {
	res, err := ds.store.db.ExecContext(ctx, `
		UPDATE document_files SET deleted = 1
		WHERE document_id = ? AND format = ? AND version = ? AND deleted = 0
	`, id, format, version)
	if err != nil {
		return fmt.Errorf("failed to delete file %s v%d of document %d: %w", format, version, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s v%d of document %d: %w", format, version, id, ErrNotFound)
	}
	return nil
}

// Purge removes every file row of document id older than its latest
// version and returns the removed rows so their bytes can be dropped.
func (ds *DocumentStore) Purge(ctx context.Context, id int64) ([]domain.DocumentFile, error) {
	latest, err := ds.LatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := ds.AllFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	var removed []domain.DocumentFile
	for _, f := range all {
		if f.Version < latest {
			removed = append(removed, f)
		}
	}
	if _, err := ds.store.db.ExecContext(ctx, `
		DELETE FROM document_files WHERE document_id = ? AND version < ?
	`, id, latest); err != nil {
		return nil, fmt.Errorf("failed to purge document %d: %w", id, err)
	}
	return removed, nil
}

// Remove deletes document id and its file rows and returns the rows so
// their bytes can be dropped.
func (ds *DocumentStore) Remove(ctx context.Context, id int64) ([]domain.DocumentFile, error) {
	all, err := ds.AllFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := ds.store.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to remove document %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return all, nil
}

// PathInUse reports whether any file row still points at path.
func (ds *DocumentStore) PathInUse(ctx context.Context, path string) (bool, error) {
	var n int
	if err := ds.store.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM document_files WHERE path = ?`, path); err != nil {
		return false, fmt.Errorf("failed to check file path %s: %w", path, err)
	}
	return n > 0, nil
}
