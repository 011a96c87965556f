// Package store provides the sqlite persistence layer behind the upload
// engine: the primary record store, the history log, the holding pen, the
// relation store and the document metadata tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lherron/bibupload/internal/db"
	"github.com/lherron/bibupload/internal/history"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db *db.DB
	x  *sqlx.DB

	Records    *RecordStore
	History    *HistoryStore
	HoldingPen *HoldingPenStore
	Relations  *RelationStore
	Documents  *DocumentStore
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	s := &Store{db: database, x: database.X()}
	s.Records = &RecordStore{store: s}
	s.History = &HistoryStore{store: s}
	s.HoldingPen = &HoldingPenStore{store: s}
	s.Relations = &RelationStore{store: s}
	s.Documents = &DocumentStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, hw *history.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	hw := history.NewWriter(s.db.DB)
	if err := fn(tx, hw); err != nil {
		return err
	}

	return tx.Commit()
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}
