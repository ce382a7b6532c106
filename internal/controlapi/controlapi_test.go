package controlapi

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/ai"
	"github.com/robomonkey/core/internal/controlplane"
	"github.com/robomonkey/core/internal/graph"
	"github.com/robomonkey/core/internal/retriever"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/internal/tagger"
)

func TestPathsDedupKeyIsOrderIndependent(t *testing.T) {
	a := pathsDedupKey([]string{"b.go", "a.go"})
	b := pathsDedupKey([]string{"a.go", "b.go"})
	assert.Equal(t, a, b)

	c := pathsDedupKey([]string{"a.go", "c.go"})
	assert.NotEqual(t, a, c)
}

func TestDispatchUnknownOperation(t *testing.T) {
	a := &API{handlers: map[string]Handler{}}
	_, err := a.Dispatch(context.Background(), "does_not_exist", nil)
	require.Error(t, err)
}

func TestErrEnvelopeDefaultsUnclassifiedKindToTransient(t *testing.T) {
	env := errEnvelope(assertErr{})
	assert.Equal(t, "TransientIO", env.Error)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

// TestDispatchPingAndRegisteredOperations exercises the full registry
// against a real Postgres instance; skipped unless one is configured,
// following the teacher's Postgres-gated integration test style.
func TestDispatchPingAndRegisteredOperations(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.MigrateControlSchema(ctx))

	schemaName := mgr.SchemaNameFor("controlapi-fixture")
	require.NoError(t, mgr.CreateSchema(ctx, schemaName, true))
	_, err = mgr.Register(ctx, "controlapi-fixture", "/tmp/controlapi-fixture", schemaName, true)
	require.NoError(t, err)

	stub := ai.NewStubClient(4)
	retr := retriever.New(mgr, stub)
	exp := graph.New(mgr)
	q := controlplane.NewQueue(mgr.Pool())
	tg := tagger.New(mgr)

	api := New(mgr, retr, exp, q, tg, nil, zerolog.Nop())

	assert.Contains(t, api.Operations(), "hybrid_search")
	assert.Contains(t, api.Operations(), "enqueue_reindex_many")

	res, err := api.Dispatch(ctx, "ping", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"pong": true}, res)

	res, err = api.Dispatch(ctx, "list_repos", json.RawMessage(`{}`))
	require.NoError(t, err)
	listed := res.(map[string]any)["repos"]
	require.NotNil(t, listed)

	res, err = api.Dispatch(ctx, "enqueue_reindex_file", json.RawMessage(`{"repo":"controlapi-fixture","path":"main.go"}`))
	require.NoError(t, err)
	assert.NotZero(t, res.(map[string]any)["job_id"])

	res, err = api.Dispatch(ctx, "daemon_status", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Contains(t, res.(map[string]any), "pending_jobs")
}
