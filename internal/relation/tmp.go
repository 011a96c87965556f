package relation

import (
	"log/slog"

	"github.com/lherron/bibupload/internal/config"
)

// Tables map the temporary tokens declared during one batch to the values
// they resolved to. A token can only be dereferenced after it was resolved;
// the first resolution of a token is final.
type Tables struct {
	records  map[string]int64
	docs     map[string]int64
	versions map[string]int
	log      *slog.Logger
}

// NewTables creates empty token tables.
func NewTables(log *slog.Logger) *Tables {
	if log == nil {
		log = config.DiscardLogger()
	}
	return &Tables{
		records:  make(map[string]int64),
		docs:     make(map[string]int64),
		versions: make(map[string]int),
		log:      log,
	}
}

// ResolveRecord binds a record token to id unless it is already bound.
func (t *Tables) ResolveRecord(token string, id int64) {
	if old, ok := t.records[token]; ok {
		if old != id {
			t.log.Warn("record token resolved twice", "token", token, "kept", old, "ignored", id)
		}
		return
	}
	t.records[token] = id
}

// ResolveDoc binds a document token to docID.
func (t *Tables) ResolveDoc(token string, docID int64) {
	if old, ok := t.docs[token]; ok {
		if old != docID {
			t.log.Warn("document token resolved twice", "token", token, "kept", old, "ignored", docID)
		}
		return
	}
	t.docs[token] = docID
}

// ResolveVersion binds a version token to version.
func (t *Tables) ResolveVersion(token string, version int) {
	if old, ok := t.versions[token]; ok {
		if old != version {
			t.log.Warn("version token resolved twice", "token", token, "kept", old, "ignored", version)
		}
		return
	}
	t.versions[token] = version
}

func (t *Tables) Record(token string) (int64, bool) {
	id, ok := t.records[token]
	return id, ok
}

func (t *Tables) Doc(token string) (int64, bool) {
	id, ok := t.docs[token]
	return id, ok
}

func (t *Tables) Version(token string) (int, bool) {
	v, ok := t.versions[token]
	return v, ok
}

// Records returns a copy of the record token table.
func (t *Tables) Records() map[string]int64 {
	out := make(map[string]int64, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}
