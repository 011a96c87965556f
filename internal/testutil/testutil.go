// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/bibupload/internal/db"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
)

// TempDB creates a temporary migrated SQLite database for testing
func TempDB(t *testing.T) (*db.DB, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database, dbPath
}

// TempStore returns a Store over a fresh temporary database.
func TempStore(t *testing.T) *store.Store {
	t.Helper()
	database, _ := TempDB(t)
	return store.New(database)
}

// WriteFile writes content to a file in dir and returns its path
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}

// Record parses the line-oriented text form, failing the test on error.
func Record(t *testing.T, text string) *record.Record {
	t.Helper()
	rec, err := record.ParseText(text)
	if err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	return rec
}
