package controlplane

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/internal/schema"
	"github.com/robomonkey/core/pkg/models"
)

// TestQueueEnqueueClaimCompleteLifecycle exercises the job queue against a
// real Postgres instance; skipped unless one is configured, following the
// teacher's Postgres-gated integration test style.
func TestQueueEnqueueClaimCompleteLifecycle(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.MigrateControlSchema(ctx))

	q := NewQueue(mgr.Pool())

	id, err := q.Enqueue(ctx, "queue-fixture-repo", "queue_fixture_schema", models.JobFullIndex, map[string]string{"k": "v"}, 5, "dedup-1")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// A second enqueue with the same dedup key should not create a new row.
	id2, err := q.Enqueue(ctx, "queue-fixture-repo", "queue_fixture_schema", models.JobFullIndex, map[string]string{"k": "v2"}, 9, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	jobs, err := q.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, 9, jobs[0].Priority)

	require.NoError(t, q.Complete(ctx, jobs[0].ID))

	none, err := q.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestQueueFailRetriesThenTerminates exercises the backoff and terminal
// failure paths.
func TestQueueFailRetriesThenTerminates(t *testing.T) {
	dsn := os.Getenv("ROBOMONKEY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ROBOMONKEY_TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	mgr, err := schema.New(ctx, dsn, "robomonkey_test_", zerolog.Nop())
	require.NoError(t, err)
	defer mgr.Close()
	require.NoError(t, mgr.MigrateControlSchema(ctx))

	q := NewQueue(mgr.Pool())

	id, err := q.Enqueue(ctx, "queue-fixture-repo-2", "queue_fixture_schema_2", models.JobEmbedMissing, nil, 1, "")
	require.NoError(t, err)

	// Retryable failure reschedules with backoff, so the job is not
	// immediately claimable again.
	retryable := corerr.New(corerr.TransientIO, "test", errors.New("boom"))
	require.NoError(t, q.Fail(ctx, id, 1, 3, retryable))

	jobs, err := q.Claim(ctx, "worker-1", 10)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, id, j.ID)
	}

	permanent := corerr.New(corerr.ParseFailure, "test", errors.New("bad syntax"))
	require.NoError(t, q.Fail(ctx, id, 3, 3, permanent))
}
