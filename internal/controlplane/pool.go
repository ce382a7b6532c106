package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/robomonkey/core/pkg/models"
)

// Handler executes one job of a given type. The handler's error is
// classified via corerr to decide retry vs terminal failure.
type Handler func(ctx context.Context, job models.Job) error

// queuer is the subset of *Queue the pool depends on, narrowed so tests
// can substitute a fake without a database.
type queuer interface {
	Claim(ctx context.Context, workerID string, n int) ([]models.Job, error)
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, attempts, maxAttempts int, jobErr error) error
	ReapDeadWorkers(ctx context.Context, deadThreshold time.Duration) (int64, error)
	CleanupRetention(ctx context.Context, retentionDays int) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	Heartbeat(ctx context.Context, daemonID string) error
}

// Status is the worker pool's observable state, mirroring the shape of
// the conexus DefaultIndexController's IndexStatus.
type Status struct {
	Running        bool
	ActiveJobs     int
	JobsProcessed  int64
	JobsFailed     int64
	LastError      string
	StartedAt      time.Time
}

// Pool runs up to GlobalMaxConcurrent workers pulling from Queue, capping
// concurrency per repo at MaxConcurrentPerRepo. Lifecycle (Start/Stop,
// context.CancelFunc, sync.WaitGroup, mutex-guarded status) follows the
// conexus DefaultIndexController shape; the dispatch loop and claim SQL are
// new, since no pack example carries a durable job queue.
type Pool struct {
	Queue                queuer
	DaemonID             string
	GlobalMaxConcurrent  int
	MaxConcurrentPerRepo int
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	DeadThreshold        time.Duration
	RetentionDays        int
	Handlers             map[models.JobType]Handler
	Log                  zerolog.Logger

	statusMu sync.RWMutex
	status   Status

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	perRepoMu  sync.Mutex
	perRepoSem map[string]chan struct{}

	metrics *metrics
}

type metrics struct {
	jobsProcessed *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	queueDepth    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robomonkey_jobs_processed_total",
			Help: "Jobs completed successfully, labeled by job_type.",
		}, []string{"job_type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robomonkey_jobs_failed_total",
			Help: "Job runs whose handler returned an error (retried or terminal), labeled by job_type.",
		}, []string{"job_type"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robomonkey_active_jobs",
			Help: "Jobs currently being processed by this daemon.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robomonkey_queue_depth",
			Help: "Pending jobs last observed in the queue.",
		}),
	}
	reg.MustRegister(m.jobsProcessed, m.jobsFailed, m.activeJobs, m.queueDepth)
	return m
}

// NewPool builds a Pool. reg may be prometheus.DefaultRegisterer or a
// dedicated registry for the daemon's /metrics endpoint.
func NewPool(q queuer, daemonID string, reg prometheus.Registerer, log zerolog.Logger) *Pool {
	return &Pool{
		Queue:                q,
		DaemonID:             daemonID,
		GlobalMaxConcurrent:  4,
		MaxConcurrentPerRepo: 2,
		PollInterval:         5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		DeadThreshold:        120 * time.Second,
		RetentionDays:        7,
		Handlers:             map[models.JobType]Handler{},
		Log:                  log.With().Str("component", "controlplane").Logger(),
		perRepoSem:           map[string]chan struct{}{},
		metrics:              newMetrics(reg),
	}
}

// Register binds a Handler for jobType.
func (p *Pool) Register(jobType models.JobType, h Handler) {
	p.Handlers[jobType] = h
}

// Start launches the dispatch loop, heartbeat loop, and reaper/retention
// loop as background goroutines, returning immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.setStatus(func(s *Status) { s.Running = true; s.StartedAt = time.Now() })

	p.wg.Add(3)
	go p.dispatchLoop(runCtx)
	go p.heartbeatLoop(runCtx)
	go p.maintenanceLoop(runCtx)
	return nil
}

// Stop cancels the pool's context and waits (bounded by timeout) for all
// background loops and in-flight jobs to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return nil
	}
	p.cancel()
	p.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()
	p.setStatus(func(s *Status) { s.Running = false })
	return nil
}

func (p *Pool) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Pool) setStatus(mutate func(*Status)) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	mutate(&p.status)
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	globalSem := make(chan struct{}, p.GlobalMaxConcurrent)
	var inFlight sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			inFlight.Wait()
			return
		case <-ticker.C:
			jobs, err := p.Queue.Claim(ctx, p.DaemonID, p.GlobalMaxConcurrent)
			if err != nil {
				p.Log.Warn().Err(err).Msg("claim failed")
				continue
			}
			for _, job := range jobs {
				job := job
				select {
				case globalSem <- struct{}{}:
				case <-ctx.Done():
					inFlight.Wait()
					return
				}
				sem := p.repoSem(job.RepoName)
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					<-globalSem
					inFlight.Wait()
					return
				}

				inFlight.Add(1)
				p.metrics.activeJobs.Inc()
				p.setStatus(func(s *Status) { s.ActiveJobs++ })
				go func() {
					defer inFlight.Done()
					defer func() { <-sem }()
					defer func() { <-globalSem }()
					defer p.metrics.activeJobs.Dec()
					defer p.setStatus(func(s *Status) { s.ActiveJobs-- })
					p.runJob(ctx, job)
				}()
			}
		}
	}
}

func (p *Pool) repoSem(repoName string) chan struct{} {
	p.perRepoMu.Lock()
	defer p.perRepoMu.Unlock()
	sem, ok := p.perRepoSem[repoName]
	if !ok {
		sem = make(chan struct{}, p.MaxConcurrentPerRepo)
		p.perRepoSem[repoName] = sem
	}
	return sem
}

func (p *Pool) runJob(ctx context.Context, job models.Job) {
	handler, ok := p.Handlers[job.Type]
	if !ok {
		p.Log.Error().Str("job_type", string(job.Type)).Msg("no handler registered")
		_ = p.Queue.Fail(ctx, job.ID, job.Attempts+1, job.MaxAttempts, errUnhandledJobType(job.Type))
		return
	}

	err := handler(ctx, job)
	if err != nil {
		p.metrics.jobsFailed.WithLabelValues(string(job.Type)).Inc()
		p.setStatus(func(s *Status) { s.JobsFailed++; s.LastError = err.Error() })
		if ferr := p.Queue.Fail(ctx, job.ID, job.Attempts+1, job.MaxAttempts, err); ferr != nil {
			p.Log.Error().Err(ferr).Int64("job_id", job.ID).Msg("failed to record job failure")
		}
		return
	}
	p.metrics.jobsProcessed.WithLabelValues(string(job.Type)).Inc()
	p.setStatus(func(s *Status) { s.JobsProcessed++ })
	if err := p.Queue.Complete(ctx, job.ID); err != nil {
		p.Log.Error().Err(err).Int64("job_id", job.ID).Msg("failed to mark job complete")
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.HeartbeatInterval)
	defer ticker.Stop()
	_ = p.Queue.Heartbeat(ctx, p.DaemonID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Queue.Heartbeat(ctx, p.DaemonID); err != nil {
				p.Log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.DeadThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.Queue.ReapDeadWorkers(ctx, p.DeadThreshold); err != nil {
				p.Log.Warn().Err(err).Msg("reap dead workers failed")
			} else if n > 0 {
				p.Log.Info().Int64("requeued", n).Msg("reaped jobs from dead workers")
			}
			if n, err := p.Queue.CleanupRetention(ctx, p.RetentionDays); err != nil {
				p.Log.Warn().Err(err).Msg("retention cleanup failed")
			} else if n > 0 {
				p.Log.Info().Int64("deleted", n).Msg("retention cleanup")
			}
			if n, err := p.Queue.PendingCount(ctx); err == nil {
				p.metrics.queueDepth.Set(float64(n))
			}
		}
	}
}

type unhandledJobTypeError struct{ jobType models.JobType }

func (e unhandledJobTypeError) Error() string { return "no handler registered for job type: " + string(e.jobType) }

func errUnhandledJobType(t models.JobType) error { return unhandledJobTypeError{jobType: t} }
