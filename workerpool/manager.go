// Package workerpool hosts long running worker loops and short jobs on ants pools.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/config"
)

const (
	jobRetryBackoffBaseDelay    = 100 * time.Millisecond
	jobRetryBackoffMaxDelay     = 30 * time.Second
	jobRetryBackoffMaxRunNumber = 10

	shutdownTimeout = 10 * time.Second
)

var ErrPoolNotConfigured = errors.New("worker pool is not configured")

func jobRetryBackoffDelay(run int) time.Duration {
	if run < 1 {
		run = 1
	}

	if run > jobRetryBackoffMaxRunNumber {
		run = jobRetryBackoffMaxRunNumber
	}

	delay := jobRetryBackoffBaseDelay * time.Duration(1<<(run-1))
	if delay > jobRetryBackoffMaxDelay {
		return jobRetryBackoffMaxDelay
	}

	return delay
}

// Manager owns the pool and reports fatal job failures through stopOnErr.
type Manager struct {
	pool    WorkerPool
	stopErr func(ctx context.Context, err error)
}

func NewManager(
	ctx context.Context,
	cfg config.ConfigurationWorkerPool,
	stopOnErr func(ctx context.Context, err error),
	opts ...Option,
) (*Manager, error) {
	poolOpts := defaultOptions(cfg, util.Log(ctx))
	for _, opt := range opts {
		opt(poolOpts)
	}

	pool, err := setupWorkerPool(poolOpts)
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	return &Manager{pool: pool, stopErr: stopOnErr}, nil
}

func (m *Manager) Pool() (WorkerPool, error) {
	if m == nil || m.pool == nil {
		return nil, ErrPoolNotConfigured
	}
	return m.pool, nil
}

// StopError forwards a fatal error to the owner of the manager.
func (m *Manager) StopError(ctx context.Context, err error) {
	if m.stopErr != nil {
		m.stopErr(ctx, err)
	}
}

func (m *Manager) Shutdown(_ context.Context) {
	if m.pool != nil {
		m.pool.Shutdown()
	}
}

// Submit schedules job. Failures are retried with exponential backoff until
// the job runs out of retries, at which point the error is logged and handed
// to StopError.
func (m *Manager) Submit(ctx context.Context, job *Job) error {
	pool, err := m.Pool()
	if err != nil {
		return err
	}
	if job == nil || job.run == nil {
		return errors.New("job has no function to run")
	}

	return pool.Submit(ctx, m.task(ctx, job))
}

func (m *Manager) task(ctx context.Context, job *Job) func() {
	return func() {
		job.runs.Add(1)
		log := util.Log(ctx).
			WithField("job", job.Name()).
			WithField("job_id", job.ID()).
			WithField("run", job.Runs())

		err := job.run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			job.finish(err)
			return
		}

		if !job.canRun() {
			log.WithError(err).Error("job failed, retries exhausted")
			m.StopError(ctx, fmt.Errorf("job %s: %w", job.Name(), err))
			job.finish(err)
			return
		}

		log.WithError(err).Warn("job failed, retrying")
		go m.resubmit(ctx, job, jobRetryBackoffDelay(job.Runs()), err)
	}
}

func (m *Manager) resubmit(ctx context.Context, job *Job, delay time.Duration, cause error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		job.finish(ctx.Err())
		return
	case <-timer.C:
	}

	if err := m.Submit(ctx, job); err != nil {
		util.Log(ctx).WithError(err).WithField("job", job.Name()).Error("could not resubmit job")
		job.finish(fmt.Errorf("resubmit after %w: %w", cause, err))
	}
}
