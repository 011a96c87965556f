package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode is the upload mode applied to one record
type Mode int

const (
	ModeInsert Mode = iota + 1
	ModeReplace
	ModeReplaceOrInsert
	ModeCorrect
	ModeAppend
	ModeDelete
)

var modeNames = map[Mode]string{
	ModeInsert:          "insert",
	ModeReplace:         "replace",
	ModeReplaceOrInsert: "replace_or_insert",
	ModeCorrect:         "correct",
	ModeAppend:          "append",
	ModeDelete:          "delete",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// RequiresExisting reports whether the mode can only act on a persisted record.
func (m Mode) RequiresExisting() bool {
	switch m {
	case ModeReplace, ModeCorrect, ModeAppend, ModeDelete:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode name. "replace-or-insert" is accepted as well.
func ParseMode(s string) (Mode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for m, name := range modeNames {
		if name == norm {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid mode %q: must be one of: insert, replace, replace_or_insert, correct, append, delete", s)
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Status is the outcome code of one record in a batch
type Status int

const (
	StatusOK         Status = 0
	StatusFatal      Status = 1
	StatusHoldingPen Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFatal:
		return "fatal"
	case StatusHoldingPen:
		return "holdingpen"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// HistoryEntry is an append-only snapshot of a record as committed
type HistoryEntry struct {
	ID        int64     `json:"id" db:"id"`
	RecordID  int64     `json:"record_id" db:"record_id"`
	Revision  string    `json:"revision" db:"revision"`
	JobID     string    `json:"job_id" db:"job_id"`
	Actor     string    `json:"actor" db:"actor"`
	Affected  string    `json:"affected" db:"affected"` // e.g. "005__,245__"
	Snapshot  string    `json:"snapshot" db:"snapshot"` // MARCXML
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HoldingPenEntry is a quarantined submission
type HoldingPenEntry struct {
	ID         int64     `json:"id" db:"id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	MatchedID  int64     `json:"matched_id" db:"matched_id"` // 0 = unmatched
	Reason     string    `json:"reason" db:"reason"`
	JobID      string    `json:"job_id" db:"job_id"`
	Snapshot   string    `json:"snapshot" db:"snapshot"` // MARCXML as submitted
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Endpoint is one side of a document relation
type Endpoint struct {
	DocID   int64  `json:"doc_id"`
	Version int    `json:"version"`
	Format  string `json:"format"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d;%d;%s", e.DocID, e.Version, e.Format)
}

// Relation is a typed link between two documents
type Relation struct {
	ID        int64             `json:"id"`
	From      Endpoint          `json:"from"`
	To        Endpoint          `json:"to"`
	Type      string            `json:"type"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Document is a named attachment owned by a record
type Document struct {
	ID          int64     `json:"id" db:"id"`
	RecordID    int64     `json:"record_id" db:"record_id"`
	Docname     string    `json:"docname" db:"docname"`
	Doctype     string    `json:"doctype" db:"doctype"`
	Restriction string    `json:"restriction" db:"restriction"`
	Deleted     bool      `json:"deleted" db:"deleted"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ModifiedAt  time.Time `json:"modified_at" db:"modified_at"`
}

// DocumentFile is one (version, format) of a document
type DocumentFile struct {
	ID          int64     `json:"id" db:"id"`
	DocumentID  int64     `json:"document_id" db:"document_id"`
	Version     int       `json:"version" db:"version"`
	Format      string    `json:"format" db:"format"`
	Checksum    string    `json:"checksum" db:"checksum"` // sha256 hex
	Size        int64     `json:"size" db:"size"`
	Path        string    `json:"path" db:"path"`
	MimeType    string    `json:"mime_type" db:"mime_type"`
	Description string    `json:"description" db:"description"`
	Comment     string    `json:"comment" db:"comment"`
	Flags       string    `json:"flags" db:"flags"` // JSON array
	Deleted     bool      `json:"deleted" db:"deleted"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// GetFlags parses the flags JSON into a string slice
func (f *DocumentFile) GetFlags() ([]string, error) {
	if f.Flags == "" {
		return []string{}, nil
	}
	var flags []string
	if err := json.Unmarshal([]byte(f.Flags), &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// SetFlags sets the flags from a string slice
func (f *DocumentFile) SetFlags(flags []string) error {
	if flags == nil {
		flags = []string{}
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	f.Flags = string(data)
	return nil
}
