package graph

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/schema"
)

func TestSortNodesOrdersByLayerThenPathThenLine(t *testing.T) {
	nodes := []Node{
		{Layer: 1, FilePath: "b.go", StartLine: 1},
		{Layer: 0, FilePath: "z.go", StartLine: 5},
		{Layer: 1, FilePath: "a.go", StartLine: 10},
		{Layer: 1, FilePath: "a.go", StartLine: 2},
	}
	sortNodes(nodes)
	assert.Equal(t, "z.go", nodes[0].FilePath)
	assert.Equal(t, "a.go", nodes[1].FilePath)
	assert.Equal(t, 2, nodes[1].StartLine)
	assert.Equal(t, "a.go", nodes[2].FilePath)
	assert.Equal(t, 10, nodes[2].StartLine)
	assert.Equal(t, "b.go", nodes[3].FilePath)
}

// TestExpandTraversesCallsEdges exercises the full BFS against a real
// Postgres instance; skipped unless one is configured, following the
// teacher's Postgres-gated integration test style.
func TestExpandTraversesCallsEdges(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.MigrateControlSchema(ctx))

	schemaName := mgr.SchemaNameFor("graph-fixture")
	require.NoError(t, mgr.CreateSchema(ctx, schemaName, true))

	sess, err := mgr.Scoped(ctx, schemaName)
	require.NoError(t, err)

	var fileID string
	require.NoError(t, sess.Conn().QueryRow(ctx, `
INSERT INTO file (relative_path, language, content_sha) VALUES ('main.go', 'go', 'x') RETURNING id::text`).Scan(&fileID))

	var callerID, calleeID string
	require.NoError(t, sess.Conn().QueryRow(ctx, `
INSERT INTO symbol (file_id, fqn, name, kind, start_line, end_line, content_hash)
VALUES ($1, 'main', 'main', 'function', 1, 3, 'h1') RETURNING id::text`, fileID).Scan(&callerID))
	require.NoError(t, sess.Conn().QueryRow(ctx, `
INSERT INTO symbol (file_id, fqn, name, kind, start_line, end_line, content_hash)
VALUES ($1, 'helper', 'helper', 'function', 5, 7, 'h2') RETURNING id::text`, fileID).Scan(&calleeID))

	_, err = sess.Conn().Exec(ctx, `
INSERT INTO chunk (file_id, symbol_id, content, start_line, end_line, content_hash)
VALUES ($1, $2, 'func main() { helper() }', 1, 3, 'c1')`, fileID, callerID)
	require.NoError(t, err)
	_, err = sess.Conn().Exec(ctx, `
INSERT INTO chunk (file_id, symbol_id, content, start_line, end_line, content_hash)
VALUES ($1, $2, 'func helper() {}', 5, 7, 'c2')`, fileID, calleeID)
	require.NoError(t, err)

	_, err = sess.Conn().Exec(ctx, `
INSERT INTO edge (src_symbol_id, dst_symbol_id, type, evidence_file_id, evidence_start_line, evidence_end_line, confidence)
VALUES ($1, $2, 'CALLS', $3, 1, 1, 1.0)`, callerID, calleeID, fileID)
	require.NoError(t, err)
	sess.Release()

	e := New(mgr)
	nodes, err := e.Expand(ctx, schemaName, callerID, 1, Callees, 0)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	var sawCallee bool
	for _, n := range nodes {
		if n.SymbolID == calleeID {
			sawCallee = true
			assert.Equal(t, 1, n.Layer)
		}
	}
	assert.True(t, sawCallee)
}
