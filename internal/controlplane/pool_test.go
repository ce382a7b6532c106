package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/pkg/models"
)

type fakeQueue struct {
	heartbeats int
}

func (f *fakeQueue) Claim(ctx context.Context, workerID string, n int) ([]models.Job, error) {
	return nil, nil
}
func (f *fakeQueue) Complete(ctx context.Context, jobID int64) error { return nil }
func (f *fakeQueue) Fail(ctx context.Context, jobID int64, attempts, maxAttempts int, jobErr error) error {
	return nil
}
func (f *fakeQueue) ReapDeadWorkers(ctx context.Context, deadThreshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeQueue) CleanupRetention(ctx context.Context, retentionDays int) (int64, error) {
	return 0, nil
}
func (f *fakeQueue) PendingCount(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeQueue) Heartbeat(ctx context.Context, daemonID string) error {
	f.heartbeats++
	return nil
}

func newTestPool() *Pool {
	p := NewPool(&fakeQueue{}, "test-daemon", prometheus.NewRegistry(), zerolog.Nop())
	p.PollInterval = time.Hour
	p.HeartbeatInterval = time.Hour
	p.DeadThreshold = time.Hour
	return p
}

func TestNewPoolDefaults(t *testing.T) {
	p := newTestPool()
	assert.False(t, p.Status().Running)
	assert.Equal(t, 4, p.GlobalMaxConcurrent)
	assert.Equal(t, 2, p.MaxConcurrentPerRepo)
}

func TestPoolRegisterBindsHandler(t *testing.T) {
	p := newTestPool()
	called := false
	p.Register(models.JobFullIndex, func(ctx context.Context, job models.Job) error {
		called = true
		return nil
	})
	assert.Contains(t, p.Handlers, models.JobFullIndex)
	assert.False(t, called)
}

func TestPoolRunJobDispatchesToRegisteredHandler(t *testing.T) {
	p := newTestPool()
	job := models.Job{ID: 1, RepoName: "r", Type: models.JobFullIndex, Attempts: 0, MaxAttempts: 3}

	p.Register(models.JobFullIndex, func(ctx context.Context, j models.Job) error {
		return nil
	})
	p.runJob(context.Background(), job)
	assert.Equal(t, int64(1), p.Status().JobsProcessed)
}

func TestPoolRunJobUnregisteredHandlerFails(t *testing.T) {
	p := newTestPool()
	job := models.Job{ID: 1, RepoName: "r", Type: models.JobFullIndex, Attempts: 0, MaxAttempts: 3}

	p.runJob(context.Background(), job)
	assert.Equal(t, int64(0), p.Status().JobsProcessed)
}

func TestPoolStartStopIdempotent(t *testing.T) {
	p := newTestPool()

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Status().Running)

	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(2*time.Second))
	assert.False(t, p.Status().Running)
}

func TestRepoSemIsolatesPerRepo(t *testing.T) {
	p := newTestPool()
	a := p.repoSem("repo-a")
	b := p.repoSem("repo-b")
	again := p.repoSem("repo-a")
	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
}
