package retriever

import (
	"context"
	"os"
	"testing"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/schema"
)

func TestNormalizedScoreFallsBackToOneForFewCandidates(t *testing.T) {
	candidates := []*candidate{
		{hasVec: true, vecScore: 0.5},
	}
	r := normalizationRange(candidates, func(c *candidate) (float64, bool) { return c.vecScore, c.hasVec })
	assert.True(t, r.fallback)
	assert.Equal(t, 1.0, normalizedScore(0.5, true, r))
}

// TestNormalizedScoreMinMaxAcrossSurvivors pins spec.md §4.5 scenario (d):
// raw vector scores 0.9 and 0.8 normalize to 1.0 and 0.0, not 1.0 and 0.889.
func TestNormalizedScoreMinMaxAcrossSurvivors(t *testing.T) {
	candidates := []*candidate{
		{hasVec: true, vecScore: 0.9},
		{hasVec: true, vecScore: 0.8},
	}
	r := normalizationRange(candidates, func(c *candidate) (float64, bool) { return c.vecScore, c.hasVec })
	assert.Equal(t, 0.8, r.min)
	assert.Equal(t, 0.9, r.max)
	assert.InDelta(t, 1.0, normalizedScore(0.9, true, r), 1e-9)
	assert.InDelta(t, 0.0, normalizedScore(0.8, true, r), 1e-9)
	assert.Equal(t, 0.0, normalizedScore(0, false, r))
}

// TestNormalizedScoreIdenticalSurvivorsFallsBackToOne covers the min==max
// degenerate case, which would otherwise divide by zero.
func TestNormalizedScoreIdenticalSurvivorsFallsBackToOne(t *testing.T) {
	candidates := []*candidate{
		{hasVec: true, vecScore: 0.6},
		{hasVec: true, vecScore: 0.6},
	}
	r := normalizationRange(candidates, func(c *candidate) (float64, bool) { return c.vecScore, c.hasVec })
	assert.False(t, r.fallback)
	assert.InDelta(t, 1.0, normalizedScore(0.6, true, r), 1e-9)
}

func TestTagBoostCapsAtOne(t *testing.T) {
	assert.Equal(t, 0.0, tagBoost(0))
	assert.InDelta(t, 0.5, tagBoost(2), 1e-9)
	assert.Equal(t, 1.0, tagBoost(5))
}

func TestMatchedTagsUnionsAnyAndAll(t *testing.T) {
	got := matchedTags([]string{"go", "backend", "cli"}, []string{"go", "frontend"}, []string{"backend"})
	assert.ElementsMatch(t, []string{"go", "backend"}, got)
}

func TestPassesTagFiltersRequiresAnyAndAll(t *testing.T) {
	assert.True(t, passesTagFilters([]string{"go", "cli"}, []string{"go"}, []string{"cli"}))
	assert.False(t, passesTagFilters([]string{"go"}, nil, []string{"cli"}))
	assert.False(t, passesTagFilters([]string{"python"}, []string{"go", "rust"}, nil))
	assert.True(t, passesTagFilters([]string{"python"}, nil, nil))
}

func TestApplyFiltersPathPrefix(t *testing.T) {
	candidates := []*candidate{
		{filePath: "internal/indexer/indexer.go"},
		{filePath: "cmd/daemon/main.go"},
	}
	out := applyFilters(candidates, Filters{PathPrefix: "internal/"})
	require.Len(t, out, 1)
	assert.Equal(t, "internal/indexer/indexer.go", out[0].filePath)
}

// TestSearchHybridRanking exercises the full pipeline against a real
// Postgres instance; skipped unless one is configured, following the
// teacher's Postgres-gated integration test style.
func TestSearchHybridRanking(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.MigrateControlSchema(ctx))

	schemaName := mgr.SchemaNameFor("retriever-fixture")
	require.NoError(t, mgr.CreateSchema(ctx, schemaName, true))

	sess, err := mgr.Scoped(ctx, schemaName)
	require.NoError(t, err)

	var fileID string
	require.NoError(t, sess.Conn().QueryRow(ctx, `
INSERT INTO file (relative_path, language, content_sha) VALUES ('main.go', 'go', 'deadbeef') RETURNING id::text`).Scan(&fileID))

	var chunkID string
	require.NoError(t, sess.Conn().QueryRow(ctx, `
INSERT INTO chunk (file_id, content, start_line, end_line, content_hash)
VALUES ($1, 'func main() { println("hello world") }', 1, 1, 'hash1') RETURNING id::text`, fileID).Scan(&chunkID))

	stub := ai.NewStubClient(4)
	vecs, _ := stub.Embed(ctx, []string{"hello world"})
	_, err = sess.Conn().Exec(ctx, `INSERT INTO chunk_embedding (chunk_id, embedding) VALUES ($1, $2)`, chunkID, pgvector.NewVector(vecs[0]))
	require.NoError(t, err)
	sess.Release()

	r := New(mgr, stub)
	results, err := r.Search(ctx, schemaName, "hello world", Filters{}, DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunkID, results[0].EntityID)
}
