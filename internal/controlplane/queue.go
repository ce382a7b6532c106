// Package controlplane implements the Control Plane (spec.md §4.5 /
// §9): the durable job queue, worker pool lifecycle, heartbeat/reaper,
// and retention cleanup that coordinate all background work across every
// registered repo. The worker pool lifecycle shape (status struct guarded
// by a mutex, context.CancelFunc, sync.WaitGroup) follows the conexus
// DefaultIndexController; the queue SQL follows the teacher's own
// query-building idiom since no example repo carries a durable queue.
package controlplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robomonkey/core/internal/corerr"
	"github.com/robomonkey/core/pkg/models"
)

// Queue wraps the control schema's job_queue table.
type Queue struct {
	pool *pgxpool.Pool
}

// NewQueue returns a Queue bound to pool (the same pool a schema.Manager
// exposes via Pool()).
func NewQueue(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Enqueue inserts a job. On a dedup_key collision with an in-flight job of
// the same type for the same repo it inserts nothing, raises the existing
// job's priority to the higher of the two, and returns the existing id
// (spec.md §4.5's at-most-once-pending guarantee).
func (q *Queue) Enqueue(ctx context.Context, repoName, schemaName string, jobType models.JobType, payload any, priority int, dedupKey string) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, corerr.New(corerr.PermanentIO, "Enqueue.marshal", err)
	}

	var id int64
	var dk any
	if dedupKey != "" {
		dk = dedupKey
	}
	err = q.pool.QueryRow(ctx, `
INSERT INTO control.job_queue (repo_name, schema_name, job_type, payload, priority, dedup_key)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (repo_name, job_type, dedup_key) WHERE status IN ('PENDING','CLAIMED') AND dedup_key IS NOT NULL
DO UPDATE SET priority = GREATEST(control.job_queue.priority, EXCLUDED.priority)
RETURNING id`, repoName, schemaName, string(jobType), body, priority, dk).Scan(&id)
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "Enqueue", err)
	}
	return id, nil
}

// Claim atomically reserves up to n pending, due jobs for workerID using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent daemons never claim the
// same row twice.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]models.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "Claim.begin", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, repo_name, schema_name, job_type, payload, priority, attempts, max_attempts, dedup_key, created_at
FROM control.job_queue
WHERE status = 'PENDING' AND run_after <= now()
ORDER BY priority DESC, run_after ASC, created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, corerr.New(corerr.TransientIO, "Claim.select", err)
	}

	var jobs []models.Job
	var ids []int64
	for rows.Next() {
		var j models.Job
		var jobType string
		var dedupKey *string
		if err := rows.Scan(&j.ID, &j.RepoName, &j.SchemaName, &jobType, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &dedupKey, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, corerr.New(corerr.TransientIO, "Claim.scan", err)
		}
		j.Type = models.JobType(jobType)
		if dedupKey != nil {
			j.DedupKey = *dedupKey
		}
		j.Status = models.StatusClaimed
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, corerr.New(corerr.TransientIO, "Claim.rows", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
UPDATE control.job_queue SET status = 'CLAIMED', claimed_at = now(), claimed_by = $2, started_at = now()
WHERE id = ANY($1)`, ids, workerID); err != nil {
		return nil, corerr.New(corerr.TransientIO, "Claim.update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, corerr.New(corerr.TransientIO, "Claim.commit", err)
	}
	return jobs, nil
}

// Complete marks a job DONE.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE control.job_queue SET status = 'DONE', completed_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return corerr.New(corerr.TransientIO, "Complete", err)
	}
	return nil
}

// Fail records a job failure. If the job has retries remaining and err is
// retryable, it's rescheduled with exponential backoff
// (run_after = now() + 60s * 2^(attempts-1)); otherwise it's marked FAILED
// terminally, per spec.md §4.5's retry policy.
func (q *Queue) Fail(ctx context.Context, jobID int64, attempts, maxAttempts int, jobErr error) error {
	retryable := corerr.Retryable(jobErr) && attempts < maxAttempts
	if retryable {
		backoffSeconds := (1 << uint(attempts-1)) * 60
		_, err := q.pool.Exec(ctx, `
UPDATE control.job_queue SET status = 'PENDING', attempts = $2, run_after = now() + make_interval(secs => $3),
  error = $4, error_detail = $5, claimed_by = NULL, claimed_at = NULL
WHERE id = $1`, jobID, attempts, backoffSeconds, jobErr.Error(), jobErr.Error())
		if err != nil {
			return corerr.New(corerr.TransientIO, "Fail.retry", err)
		}
		return nil
	}
	_, err := q.pool.Exec(ctx, `
UPDATE control.job_queue SET status = 'FAILED', attempts = $2, completed_at = now(), error = $3, error_detail = $4
WHERE id = $1`, jobID, attempts, jobErr.Error(), jobErr.Error())
	if err != nil {
		return corerr.New(corerr.TransientIO, "Fail.terminal", err)
	}
	return nil
}

// ReapDeadWorkers requeues CLAIMED jobs whose claiming daemon hasn't sent
// a heartbeat within deadThreshold (spec.md §4.5's dead-worker reaper).
func (q *Queue) ReapDeadWorkers(ctx context.Context, deadThreshold time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
UPDATE control.job_queue SET status = 'PENDING', claimed_by = NULL, claimed_at = NULL, run_after = now()
WHERE status = 'CLAIMED' AND claimed_by IN (
  SELECT id FROM control.daemon_instance WHERE last_heartbeat < now() - make_interval(secs => $1)
)`, int(deadThreshold.Seconds()))
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "ReapDeadWorkers", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupRetention deletes DONE/FAILED jobs older than retentionDays.
func (q *Queue) CleanupRetention(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
DELETE FROM control.job_queue
WHERE status IN ('DONE','FAILED') AND completed_at < now() - make_interval(days => $1)`, retentionDays)
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "CleanupRetention", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount returns the number of jobs currently awaiting a worker,
// for reporting on daemon_status and Prometheus's queue depth gauge.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM control.job_queue WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, corerr.New(corerr.TransientIO, "PendingCount", err)
	}
	return n, nil
}

// Heartbeat upserts this daemon's liveness row.
func (q *Queue) Heartbeat(ctx context.Context, daemonID string) error {
	_, err := q.pool.Exec(ctx, `
INSERT INTO control.daemon_instance (id, status, last_heartbeat)
VALUES ($1, 'RUNNING', now())
ON CONFLICT (id) DO UPDATE SET last_heartbeat = now(), status = 'RUNNING'`, daemonID)
	if err != nil {
		return corerr.New(corerr.TransientIO, "Heartbeat", err)
	}
	return nil
}
