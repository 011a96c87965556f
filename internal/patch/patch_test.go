package patch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory map[string]*record.Record

func (h fakeHistory) Snapshot(_ context.Context, recID int64, revision string) (*record.Record, error) {
	rec, ok := h[revision]
	if !ok {
		return nil, fmt.Errorf("history of record %d at %s: %w", recID, revision, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

const (
	rev1 = "20240101120000.0"
	rev2 = "20240102120000.0"
)

var v1 = `
001__ 5
005__ ` + rev1 + `
1001_ $$aDoe, J.
245__ $$aTitle
500__ $$aNote
`

// v2 is v1 after someone else changed 500.
var v2 = `
001__ 5
005__ ` + rev2 + `
1001_ $$aDoe, J.
245__ $$aTitle
500__ $$aOther note
`

func rec(s string) *record.Record { return record.MustParseText(s) }

func newVerifier() *Verifier {
	return NewVerifier(fakeHistory{rev1: rec(v1), rev2: rec(v2)}, config.DefaultKB())
}

func TestDiff(t *testing.T) {
	base := rec(v1)
	target := rec(v1)
	target.Delete("500")
	target.Add(record.NewDataField("700", '1', ' ', "a", "Roe, R."))
	target.SetControl(record.RevisionTag, rev2)

	p := Diff(base, target, nil)
	require.Len(t, p, 2)
	assert.Equal(t, []string{"500", "700"}, p.Tags())

	adds, replaces, removes := p.CountOps()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, replaces)
	assert.Equal(t, 1, removes)
	assert.Equal(t, "500__,7001_", p.Affected().String())

	applied := Apply(base, p)
	applied.SetControl(record.RevisionTag, rev2)
	assert.True(t, record.Equal(target, applied))

	assert.Empty(t, Diff(base, rec(v1), nil), "identical records give an empty patch")
}

func TestPatchRecord(t *testing.T) {
	base := rec(v1)
	target := rec(v1)
	target.Delete("500")
	p := Diff(base, target, nil)

	out := p.Record()
	fs := out.Fields("500")
	require.Len(t, fs, 1)
	assert.True(t, fs[0].IsDeletionMarker())
}

func TestMerge3Way(t *testing.T) {
	base := rec(v1)
	current := rec(v2)

	t.Run("disjoint edits rebase cleanly", func(t *testing.T) {
		edited := rec(v1)
		edited.Delete("245")
		edited.Add(record.NewDataField("245", ' ', ' ', "a", "Better Title"))

		res := Merge3Way(base, current, edited, nil)
		require.False(t, res.HasConflict)
		assert.Equal(t, []string{"245"}, res.Patch.Tags())
		assert.Equal(t, []string{"Other note"}, res.Merged.Values(record.MustTagSpec("500__a")))
		assert.Equal(t, []string{"Better Title"}, res.Merged.Values(record.MustTagSpec("245__a")))
	})

	t.Run("same change on both sides", func(t *testing.T) {
		edited := rec(v2)
		edited.SetControl(record.RevisionTag, rev1)
		res := Merge3Way(base, current, edited, nil)
		assert.False(t, res.HasConflict)
		assert.Empty(t, res.Patch)
	})

	t.Run("overlapping edits conflict", func(t *testing.T) {
		edited := rec(v1)
		edited.Delete("500")
		edited.Add(record.NewDataField("500", ' ', ' ', "a", "My note"))

		res := Merge3Way(base, current, edited, nil)
		require.True(t, res.HasConflict)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, "500__", res.Conflicts[0].Key.String())
		assert.Contains(t, res.FormatConflicts(), "Field 500__")
	})

	t.Run("strict superset is not a conflict", func(t *testing.T) {
		edited := rec(v2)
		edited.Add(record.NewDataField("500", ' ', ' ', "a", "Extra"))
		res := Merge3Way(base, current, edited, nil)
		require.False(t, res.HasConflict)
		assert.Equal(t, []string{"Other note", "Extra"}, res.Merged.Values(record.MustTagSpec("500__a")))
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("unchanged", func(t *testing.T) {
		v, err := newVerifier().Verify(ctx, 5, rec(v2), rec(v2), domain.ModeReplace)
		require.NoError(t, err)
		assert.Equal(t, Unchanged, v.Outcome)
	})

	t.Run("same revision yields a minimal correct patch", func(t *testing.T) {
		incoming := rec(v2)
		incoming.Delete("245")
		incoming.Add(record.NewDataField("245", ' ', ' ', "a", "New"))

		v, err := newVerifier().Verify(ctx, 5, incoming, rec(v2), domain.ModeReplace)
		require.NoError(t, err)
		assert.Equal(t, Patched, v.Outcome)
		assert.Equal(t, domain.ModeCorrect, v.Mode)
		assert.Equal(t, "245__", v.Affected.String())
		assert.Equal(t, []string{"New"}, v.Record.Values(record.MustTagSpec("245__a")))
		assert.False(t, v.Record.Has("100"), "unchanged tags stay out of the patch")
		id, _ := v.Record.Control(record.IdentifierTag)
		assert.Equal(t, "5", id)
	})

	t.Run("stale revision rebased", func(t *testing.T) {
		incoming := rec(v1)
		incoming.Delete("245")
		incoming.Add(record.NewDataField("245", ' ', ' ', "a", "Stale but fine"))

		v, err := newVerifier().Verify(ctx, 5, incoming, rec(v2), domain.ModeCorrect)
		require.NoError(t, err)
		assert.Equal(t, Patched, v.Outcome)
		assert.Equal(t, []string{"245"}, v.Patch.Tags())
	})

	t.Run("stale overlapping revision conflicts", func(t *testing.T) {
		incoming := rec(v1)
		incoming.Delete("500")
		incoming.Add(record.NewDataField("500", ' ', ' ', "a", "Mine"))

		_, err := newVerifier().Verify(ctx, 5, incoming, rec(v2), domain.ModeReplace)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrConflictingRevisions))
		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, domain.RouteHoldingPen, domain.KindOf(err).Routing())
	})

	t.Run("replace keeps omitted strong tags", func(t *testing.T) {
		current := rec(v2)
		current.Add(record.NewDataField("964", ' ', ' ', "a", "keep"))
		incoming := rec(v2)

		v, err := newVerifier().Verify(ctx, 5, incoming, current, domain.ModeReplace)
		require.NoError(t, err)
		assert.Equal(t, Unchanged, v.Outcome)
	})

	failures := []struct {
		name     string
		incoming string
		current  string
		mode     domain.Mode
		want     error
	}{
		{"newer than stored", v2, v1, domain.ModeCorrect, domain.ErrInvalidRevision},
		{"unknown revision", "001__ 5\n005__ 20230101000000.0\n245__ $$aX\n", v2, domain.ModeCorrect, domain.ErrInvalidRevision},
		{"malformed marker", "001__ 5\n005__ yesterday\n", v2, domain.ModeCorrect, domain.ErrInvalidRevision},
		{"append mode", v2, v2, domain.ModeAppend, domain.ErrInvalidRevision},
		{"stored record has no marker", v2, "001__ 5\n245__ $$aTitle\n", domain.ModeCorrect, domain.ErrMissing005},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newVerifier().Verify(ctx, 5, rec(tt.incoming), rec(tt.current), tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
