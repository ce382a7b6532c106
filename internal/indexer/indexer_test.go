package indexer

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/scanner"
	"github.com/robomonkey/core/internal/schema"
)

func TestSymbolBodyClampsToLineRange(t *testing.T) {
	lines := []string{"a", "b", "c", "d"}
	assert.Equal(t, "b\nc", symbolBody(lines, 2, 3))
	assert.Equal(t, "a\nb\nc\nd", symbolBody(lines, 0, 10))
	assert.Equal(t, "", symbolBody(lines, 3, 2))
}

func TestCandidatesByNameMatchesBareAndQualified(t *testing.T) {
	ids := map[string]string{
		"greeting":         "id-1",
		"Greeter.greeting": "id-2",
		"Other.unrelated":  "id-3",
	}
	got := candidatesByName(ids, "greeting")
	assert.ElementsMatch(t, []string{"id-1", "id-2"}, got)
}

// TestIndexFileSkipsUnchangedContent exercises the full transactional path
// against a real Postgres instance; skipped unless one is configured,
// following the teacher's Postgres-gated integration test style.
func TestIndexFileSkipsUnchangedContent(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.MigrateControlSchema(ctx))
	schemaName := mgr.SchemaNameFor("indexer-fixture")
	require.NoError(t, mgr.CreateSchema(ctx, schemaName, true))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/main.go", []byte("package main\n\nfunc main() {}\n"), 0o644))

	sc := scanner.New(dir)
	ix := New(mgr, sc, 0, 0, zerolog.Nop())

	stats, err := ix.Run(ctx, schemaName, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	assert.Equal(t, 0, stats.FilesSkipped)

	stats2, err := ix.Run(ctx, schemaName, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, stats2.FilesIndexed)
	assert.Equal(t, 1, stats2.FilesSkipped)
}
