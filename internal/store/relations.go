package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/history"
)

// RelationStore handles document relations and their free-form metadata.
type RelationStore struct {
	store *Store
}

type relationRow struct {
	ID        int64     `db:"id"`
	Doc1ID    int64     `db:"doc1_id"`
	Doc1Ver   int       `db:"doc1_ver"`
	Doc1Fmt   string    `db:"doc1_fmt"`
	Doc2ID    int64     `db:"doc2_id"`
	Doc2Ver   int       `db:"doc2_ver"`
	Doc2Fmt   string    `db:"doc2_fmt"`
	RelType   string    `db:"rel_type"`
	CreatedAt time.Time `db:"created_at"`
}

type metaRow struct {
	RelationID int64  `db:"relation_id"`
	Key        string `db:"key"`
	Value      string `db:"value"`
}

const relationColumns = `id, doc1_id, doc1_ver, doc1_fmt, doc2_id, doc2_ver, doc2_fmt, rel_type, created_at`

func (r relationRow) toDomain() domain.Relation {
	return domain.Relation{
		ID:        r.ID,
		From:      domain.Endpoint{DocID: r.Doc1ID, Version: r.Doc1Ver, Format: r.Doc1Fmt},
		To:        domain.Endpoint{DocID: r.Doc2ID, Version: r.Doc2Ver, Format: r.Doc2Fmt},
		Type:      r.RelType,
		CreatedAt: r.CreatedAt,
	}
}

// Create inserts rel with its metadata and returns the new relation id.
func (rs *RelationStore) Create(ctx context.Context, rel domain.Relation) (int64, error) {
	if err := domain.ValidateRelationType(rel.Type); err != nil {
		return 0, err
	}
	var id int64
	err := rs.store.withTx(ctx, func(tx *sql.Tx, _ *history.Writer) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relations (doc1_id, doc1_ver, doc1_fmt, doc2_id, doc2_ver, doc2_fmt, rel_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rel.From.DocID, rel.From.Version, rel.From.Format, rel.To.DocID, rel.To.Version, rel.To.Format, rel.Type)
		if err != nil {
			return fmt.Errorf("failed to create relation: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get relation id: %w", err)
		}
		for k, v := range rel.Meta {
			if err := setMeta(ctx, tx, id, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	return id, err
}

// Get returns relation id with its metadata.
func (rs *RelationStore) Get(ctx context.Context, id int64) (*domain.Relation, error) {
	var row relationRow
	if err := rs.store.x.GetContext(ctx, &row, `SELECT `+relationColumns+` FROM relations WHERE id = ?`, id); err != nil {
		return nil, notFound(err, fmt.Sprintf("relation %d", id))
	}
	rels, err := rs.withMeta(ctx, []relationRow{row})
	if err != nil {
		return nil, err
	}
	return &rels[0], nil
}

// RelationFilter selects relations. Zero fields match anything.
type RelationFilter struct {
	From domain.Endpoint
	To   domain.Endpoint
	Type string
}

// Matching returns the relations matching filter.
func (rs *RelationStore) Matching(ctx context.Context, filter RelationFilter) ([]domain.Relation, error) {
	query := `SELECT ` + relationColumns + ` FROM relations WHERE 1=1`
	var args []interface{}
	add := func(cond string, v interface{}) {
		query += ` AND ` + cond
		args = append(args, v)
	}
	if filter.From.DocID != 0 {
		add(`doc1_id = ?`, filter.From.DocID)
	}
	if filter.From.Version != 0 {
		add(`doc1_ver = ?`, filter.From.Version)
	}
	if filter.From.Format != "" {
		add(`doc1_fmt = ?`, filter.From.Format)
	}
	if filter.To.DocID != 0 {
		add(`doc2_id = ?`, filter.To.DocID)
	}
	if filter.To.Version != 0 {
		add(`doc2_ver = ?`, filter.To.Version)
	}
	if filter.To.Format != "" {
		add(`doc2_fmt = ?`, filter.To.Format)
	}
	if filter.Type != "" {
		add(`rel_type = ?`, filter.Type)
	}
	query += ` ORDER BY id`

	var rows []relationRow
	if err := rs.store.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	return rs.withMeta(ctx, rows)
}

// ForDocuments returns every relation touching one of docIDs on either side.
func (rs *RelationStore) ForDocuments(ctx context.Context, docIDs []int64) ([]domain.Relation, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+relationColumns+` FROM relations
		WHERE doc1_id IN (?) OR doc2_id IN (?) ORDER BY id`, docIDs, docIDs)
	if err != nil {
		return nil, fmt.Errorf("build relation query: %w", err)
	}
	query = rs.store.x.Rebind(query)
	var rows []relationRow
	if err := rs.store.x.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	return rs.withMeta(ctx, rows)
}

func (rs *RelationStore) withMeta(ctx context.Context, rows []relationRow) ([]domain.Relation, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(rows))
	byID := make(map[int64]int, len(rows))
	out := make([]domain.Relation, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		byID[r.ID] = i
		out[i] = r.toDomain()
	}

	query, args, err := sqlx.In(`SELECT relation_id, key, value FROM relation_meta WHERE relation_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build relation meta query: %w", err)
	}
	query = rs.store.x.Rebind(query)
	var meta []metaRow
	if err := rs.store.x.SelectContext(ctx, &meta, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load relation meta: %w", err)
	}
	for _, m := range meta {
		r := &out[byID[m.RelationID]]
		if r.Meta == nil {
			r.Meta = make(map[string]string)
		}
		r.Meta[m.Key] = m.Value
	}
	return out, nil
}

// SetMeta adds or updates metadata keys of relation id.
func (rs *RelationStore) SetMeta(ctx context.Context, id int64, meta map[string]string) error {
	return rs.store.withTx(ctx, func(tx *sql.Tx, _ *history.Writer) error {
		for k, v := range meta {
			if err := setMeta(ctx, tx, id, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearMeta removes every metadata key of relation id.
func (rs *RelationStore) ClearMeta(ctx context.Context, id int64) error {
	if _, err := rs.store.db.ExecContext(ctx, `DELETE FROM relation_meta WHERE relation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear meta of relation %d: %w", id, err)
	}
	return nil
}

// Delete removes relation id and its metadata.
func (rs *RelationStore) Delete(ctx context.Context, id int64) error {
	return rs.store.withTx(ctx, func(tx *sql.Tx, _ *history.Writer) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relation_meta WHERE relation_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete meta of relation %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete relation %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("relation %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

func setMeta(ctx context.Context, tx *sql.Tx, id int64, key, value string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relation_meta (relation_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (relation_id, key) DO UPDATE SET value = excluded.value
	`, id, key, value); err != nil {
		return fmt.Errorf("failed to set meta %q of relation %d: %w", key, id, err)
	}
	return nil
}
