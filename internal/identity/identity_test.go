package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/lherron/bibupload/internal/config"
	"github.com/lherron/bibupload/internal/domain"
	"github.com/lherron/bibupload/internal/id"
	"github.com/lherron/bibupload/internal/record"
	"github.com/lherron/bibupload/internal/store"
	"github.com/lherron/bibupload/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*store.Store, *Resolver) {
	t.Helper()
	s := testutil.TempStore(t)
	return s, NewResolver(s.Records, s.Records, config.DefaultKB(), nil)
}

// persist stores rec under a fresh id and returns it.
func persist(t *testing.T, s *store.Store, text string) int64 {
	t.Helper()
	ctx := context.Background()
	rec := testutil.Record(t, text)
	recID, err := s.Records.Allocate(ctx)
	require.NoError(t, err)
	rec.SetControl(record.IdentifierTag, itoa(recID))
	require.NoError(t, s.Records.WriteGroups(ctx, recID, rec, record.AffectedAll(rec), "20240101000000.0"))
	return recID
}

func itoa(n int64) string {
	return id.FormatRecord(n)
}

func TestResolve_InsertMintsAndWritesBack(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	rec := testutil.Record(t, "245__ $$aTitle\n")
	res, err := r.Resolve(ctx, rec, domain.ModeInsert, Options{})
	require.NoError(t, err)
	assert.True(t, res.Minted)
	assert.False(t, res.Existing)
	require.NotZero(t, res.ID)

	v, ok := rec.Control(record.IdentifierTag)
	require.True(t, ok)
	assert.Equal(t, itoa(res.ID), v)

	exists, err := s.Records.Exists(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestResolve_Strategies(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	bySys := persist(t, s, "970__ $$aSYS-1\n245__ $$aA\n")
	byOAI := persist(t, s, "035__ $$aoai:x:1$$9arXiv\n")
	byInternal := persist(t, s, "909CO $$ooai:site:77\n")
	byDOI := persist(t, s, "0247_ $$a10.1000/ABC$$2DOI\n")

	tests := []struct {
		name     string
		text     string
		want     int64
		strategy Strategy
	}{
		{"explicit id", "001__ " + itoa(bySys) + "\n", bySys, StrategyRecordID},
		{"system number", "970__ $$aSYS-1\n", bySys, StrategySysno},
		{"oai with provenance", "035__ $$aoai:x:1$$9arXiv\n", byOAI, StrategyOAI},
		{"internal oai", "909CO $$ooai:site:77\n", byInternal, StrategyInternalOAI},
		{"doi normalized", "0247_ $$ahttps://doi.org/10.1000/abc$$2doi\n", byDOI, StrategyDOI},
		{"sysno wins over doi", "970__ $$aSYS-1\n0247_ $$a10.1000/abc$$2DOI\n", bySys, StrategySysno},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Record(t, tt.text)
			res, err := r.Resolve(ctx, rec, domain.ModeCorrect, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ID)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.True(t, res.Existing)
			v, _ := rec.Control(record.IdentifierTag)
			assert.Equal(t, itoa(tt.want), v)
		})
	}
}

func TestResolve_DOIStoredWithPrefix(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	prefixed := persist(t, s, "0247_ $$2DOI$$adoi:10.1234/ABC\n")
	resolver := persist(t, s, "0247_ $$2DOI$$aHTTPS://DX.DOI.ORG/10.9999/Mixed.Case\n")

	tests := []struct {
		name string
		text string
		want int64
	}{
		{"identical spelling", "0247_ $$2DOI$$adoi:10.1234/ABC\n", prefixed},
		{"bare lowercase", "0247_ $$2DOI$$a10.1234/abc\n", prefixed},
		{"other resolver", "0247_ $$2DOI$$ahttps://doi.org/10.1234/Abc\n", prefixed},
		{"uppercase resolver stored", "0247_ $$2DOI$$a10.9999/mixed.case\n", resolver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, testutil.Record(t, tt.text), domain.ModeReplaceOrInsert, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ID)
			assert.Equal(t, StrategyDOI, res.Strategy)
			assert.True(t, res.Existing)
			assert.False(t, res.Minted)
		})
	}
}

func TestResolve_OAIProvenance(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	arxiv := persist(t, s, "035__ $$aoai:shared:1$$9arXiv\n")
	bare := persist(t, s, "035__ $$aoai:shared:1\n")
	_ = persist(t, s, "035__ $$aoai:shared:1$$9CDS\n")

	res, err := r.Resolve(ctx, testutil.Record(t, "035__ $$aoai:shared:1$$9arXiv\n"), domain.ModeReplace, Options{})
	require.NoError(t, err)
	assert.Equal(t, arxiv, res.ID)

	res, err = r.Resolve(ctx, testutil.Record(t, "035__ $$aoai:shared:1\n"), domain.ModeReplace, Options{})
	require.NoError(t, err)
	assert.Equal(t, bare, res.ID, "missing provenance only matches missing provenance")

	_, err = r.Resolve(ctx, testutil.Record(t, "035__ $$aoai:shared:1$$9INSPIRE\n"), domain.ModeReplace, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIdentityNotFound))
}

func TestResolve_Failures(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	existing := persist(t, s, "970__ $$aSYS-9\n0247_ $$a10.5555/dup$$2DOI\n")
	_ = persist(t, s, "0247_ $$a10.5555/dup$$2DOI\n")

	tests := []struct {
		name string
		text string
		mode domain.Mode
		want error
	}{
		{"insert with match", "970__ $$aSYS-9\n", domain.ModeInsert, domain.ErrIdentityExists},
		{"insert with explicit id", "001__ " + itoa(existing) + "\n", domain.ModeInsert, domain.ErrIdentityExists},
		{"ambiguous doi", "0247_ $$a10.5555/DUP$$2DOI\n", domain.ModeCorrect, domain.ErrIdentityAmbiguous},
		{"replace unknown id", "001__ 9999\n", domain.ModeReplace, domain.ErrIdentityNotFound},
		{"correct without identifiers", "245__ $$aNothing\n", domain.ModeCorrect, domain.ErrIdentityNotFound},
		{"replace_or_insert unknown id", "001__ 9999\n", domain.ModeReplaceOrInsert, domain.ErrIdentityNotFound},
		{"malformed id", "001__ abc\n", domain.ModeCorrect, domain.ErrInvalidRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, testutil.Record(t, tt.text), tt.mode, Options{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestResolve_ReplaceOrInsert(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, testutil.Record(t, "245__ $$aNew\n"), domain.ModeReplaceOrInsert, Options{})
	require.NoError(t, err)
	assert.True(t, res.Minted)

	rec := testutil.Record(t, "001__ 4242\n245__ $$aForced\n")
	res, err = r.Resolve(ctx, rec, domain.ModeReplaceOrInsert, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.ID)
	assert.True(t, res.Minted)
	ok, err := s.Records.Exists(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolve_TmpToken(t *testing.T) {
	_, r := setup(t)
	rec := testutil.Record(t, "001__ TMP:paper1\n245__ $$aT\n")
	res, err := r.Resolve(context.Background(), rec, domain.ModeInsert, Options{})
	require.NoError(t, err)
	assert.Equal(t, "paper1", res.TmpToken)
	assert.NotZero(t, res.ID)
	v, _ := rec.Control(record.IdentifierTag)
	assert.Equal(t, itoa(res.ID), v)
}

func TestResolve_DryRunDoesNotAllocate(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	res, err := r.Resolve(ctx, testutil.Record(t, "245__ $$aT\n"), domain.ModeInsert, Options{DryRun: true})
	require.NoError(t, err)
	assert.Zero(t, res.ID)
	list, err := s.Records.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
