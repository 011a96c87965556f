package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lherron/bibupload/internal/history"
	"github.com/lherron/bibupload/internal/record"
)

// RecordStore handles the primary store: one header row per record and one
// row per field, with subfields in their own table.
type RecordStore struct {
	store *Store
}

// RecordHeader is the per-record row of the primary store.
type RecordHeader struct {
	ID         int64     `json:"id" db:"id"`
	Revision   string    `json:"revision" db:"revision"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

type fieldRow struct {
	Pos   int    `db:"pos"`
	Tag   string `db:"tag"`
	Ind1  string `db:"ind1"`
	Ind2  string `db:"ind2"`
	Value string `db:"value"`
}

type subfieldRow struct {
	Pos   int    `db:"pos"`
	Code  string `db:"code"`
	Value string `db:"value"`
}

// Header returns the header row of record id.
func (rs *RecordStore) Header(ctx context.Context, id int64) (*RecordHeader, error) {
	var h RecordHeader
	err := rs.store.x.GetContext(ctx, &h, `
		SELECT id, revision, created_at, modified_at FROM records WHERE id = ?
	`, id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("record %d", id))
	}
	return &h, nil
}

// Exists reports whether record id has been allocated.
func (rs *RecordStore) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := rs.store.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM records WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to check record %d: %w", id, err)
	}
	return n > 0, nil
}

// Load reads record id with its field numbers preserved.
func (rs *RecordStore) Load(ctx context.Context, id int64) (*record.Record, error) {
	if _, err := rs.Header(ctx, id); err != nil {
		return nil, err
	}

	var fields []fieldRow
	if err := rs.store.x.SelectContext(ctx, &fields, `
		SELECT pos, tag, ind1, ind2, value FROM record_fields
		WHERE record_id = ? ORDER BY pos
	`, id); err != nil {
		return nil, fmt.Errorf("failed to load fields of record %d: %w", id, err)
	}

	var subfields []subfieldRow
	if err := rs.store.x.SelectContext(ctx, &subfields, `
		SELECT pos, code, value FROM record_subfields
		WHERE record_id = ? ORDER BY pos, seq
	`, id); err != nil {
		return nil, fmt.Errorf("failed to load subfields of record %d: %w", id, err)
	}

	byPos := make(map[int][]record.Subfield, len(fields))
	for _, sf := range subfields {
		byPos[sf.Pos] = append(byPos[sf.Pos], record.Subfield{Code: sf.Code, Value: sf.Value})
	}

	rec := record.New()
	for _, row := range fields {
		f := record.Field{Tag: row.Tag, Pos: row.Pos}
		if record.IsControlTag(row.Tag) {
			f.Value = row.Value
		} else {
			f.Ind1, f.Ind2 = indicator(row.Ind1), indicator(row.Ind2)
			f.Subfields = byPos[row.Pos]
		}
		rec.Keep(f)
	}
	return rec, nil
}

// Allocate reserves a fresh record id.
func (rs *RecordStore) Allocate(ctx context.Context) (int64, error) {
	res, err := rs.store.db.ExecContext(ctx, `INSERT INTO records (revision) VALUES ('')`)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate record id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get allocated record id: %w", err)
	}
	return id, nil
}

// AllocateID reserves the requested record id.
func (rs *RecordStore) AllocateID(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid record id %d", id)
	}
	if _, err := rs.store.db.ExecContext(ctx, `INSERT INTO records (id, revision) VALUES (?, '')`, id); err != nil {
		return fmt.Errorf("failed to allocate record id %d: %w", id, err)
	}
	return nil
}

// Release gives back an id reserved by Allocate that was never committed.
// Committed records are left alone.
func (rs *RecordStore) Release(ctx context.Context, id int64) error {
	_, err := rs.store.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE id = ? AND revision = ''
		  AND NOT EXISTS (SELECT 1 FROM record_fields WHERE record_id = ?)
	`, id, id)
	if err != nil {
		return fmt.Errorf("failed to release record id %d: %w", id, err)
	}
	return nil
}

// WriteGroups replaces the rows of the given groups with rec's fields of
// those groups and stamps the header with revision. Rows of other groups are
// not touched. The write is a single transaction.
func (rs *RecordStore) WriteGroups(ctx context.Context, id int64, rec *record.Record, groups record.AffectedFieldSet, revision string) error {
	return rs.store.withTx(ctx, func(tx *sql.Tx, _ *history.Writer) error {
		return writeGroups(ctx, tx, id, rec, groups, revision)
	})
}

func writeGroups(ctx context.Context, tx *sql.Tx, id int64, rec *record.Record, groups record.AffectedFieldSet, revision string) error {
	for _, k := range groups.Keys() {
		ind1, ind2 := string(k.Ind1), string(k.Ind2)
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM record_subfields
			WHERE record_id = ? AND pos IN (
				SELECT pos FROM record_fields
				WHERE record_id = ? AND tag = ? AND ind1 = ? AND ind2 = ?
			)
		`, id, id, k.Tag, ind1, ind2); err != nil {
			return fmt.Errorf("failed to clear subfields of %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM record_fields
			WHERE record_id = ? AND tag = ? AND ind1 = ? AND ind2 = ?
		`, id, k.Tag, ind1, ind2); err != nil {
			return fmt.Errorf("failed to clear fields of %s: %w", k, err)
		}
	}

	if rec != nil {
		for _, f := range rec.All() {
			if !groups.HasKey(f.Key()) {
				continue
			}
			if err := insertField(ctx, tx, id, f); err != nil {
				return err
			}
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records
		SET revision = ?, modified_at = strftime('%Y-%m-%dT%H:%M:%SZ','now')
		WHERE id = ?
	`, revision, id)
	if err != nil {
		return fmt.Errorf("failed to update record header: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return nil
}

func insertField(ctx context.Context, tx *sql.Tx, id int64, f record.Field) error {
	if f.Pos <= 0 {
		return fmt.Errorf("field %s of record %d has no field number", f.Tag, id)
	}
	k := f.Key()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO record_fields (record_id, pos, tag, ind1, ind2, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, f.Pos, f.Tag, string(k.Ind1), string(k.Ind2), f.Value); err != nil {
		return fmt.Errorf("failed to insert field %s at %d: %w", f.Tag, f.Pos, err)
	}
	for seq, sf := range f.Subfields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_subfields (record_id, pos, seq, code, value)
			VALUES (?, ?, ?, ?, ?)
		`, id, f.Pos, seq, sf.Code, sf.Value); err != nil {
			return fmt.Errorf("failed to insert subfield %s$%s: %w", f.Tag, sf.Code, err)
		}
	}
	return nil
}

// Restore writes back the groups of the pre-commit snapshot old. A nil
// snapshot means the record did not exist before and is removed.
func (rs *RecordStore) Restore(ctx context.Context, id int64, old *record.Record, groups record.AffectedFieldSet) error {
	if old == nil {
		return rs.Delete(ctx, id)
	}
	revision, _ := old.Control(record.RevisionTag)
	return rs.WriteGroups(ctx, id, old, groups, revision)
}

// Delete removes record id and all of its fields.
func (rs *RecordStore) Delete(ctx context.Context, id int64) error {
	return rs.store.withTx(ctx, func(tx *sql.Tx, _ *history.Writer) error {
		for _, q := range []string{
			`DELETE FROM record_subfields WHERE record_id = ?`,
			`DELETE FROM record_fields WHERE record_id = ?`,
			`DELETE FROM records WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete record %d: %w", id, err)
			}
		}
		return nil
	})
}

// FindBySubfield returns the ids of records holding value under spec.
// fold compares case-insensitively. For control tags the field value is
// compared and the subfield code is ignored.
func (rs *RecordStore) FindBySubfield(ctx context.Context, spec record.TagSpec, value string, fold bool) ([]int64, error) {
	collate := ""
	if fold {
		collate = " COLLATE NOCASE"
	}

	var (
		query string
		args  []interface{}
	)
	if record.IsControlTag(spec.Tag) {
		query = `SELECT DISTINCT record_id FROM record_fields WHERE tag = ? AND value = ?` + collate
		args = []interface{}{spec.Tag, value}
	} else {
		var sb strings.Builder
		sb.WriteString(`SELECT DISTINCT record_id FROM record_index WHERE tag = ? AND code = ? AND value = ?`)
		sb.WriteString(collate)
		args = []interface{}{spec.Tag, spec.Code, value}
		if spec.Ind1 != '%' {
			sb.WriteString(` AND ind1 = ?`)
			args = append(args, string(spec.Ind1))
		}
		if spec.Ind2 != '%' {
			sb.WriteString(` AND ind2 = ?`)
			args = append(args, string(spec.Ind2))
		}
		query = sb.String()
	}
	query += ` ORDER BY record_id`

	var ids []int64
	if err := rs.store.x.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to look up %s=%q: %w", spec, value, err)
	}
	return ids, nil
}

// List returns record headers ordered by id.
func (rs *RecordStore) List(ctx context.Context, limit, offset int) ([]RecordHeader, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []RecordHeader
	if err := rs.store.x.SelectContext(ctx, &out, `
		SELECT id, revision, created_at, modified_at FROM records
		ORDER BY id LIMIT ? OFFSET ?
	`, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

func indicator(s string) byte {
	if s == "" {
		return ' '
	}
	return s[0]
}
