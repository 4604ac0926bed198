package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Job is a unit of work run on the pool, retried with backoff while it fails
// and retries remain.
type Job struct {
	id      string
	name    string
	retries int
	runs    atomic.Int32
	run     func(ctx context.Context) error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewJob wraps run. A job that fails is retried up to retries more times.
func NewJob(name string, retries int, run func(ctx context.Context) error) *Job {
	return &Job{
		id:      xid.New().String(),
		name:    name,
		retries: max(retries, 0),
		run:     run,
		done:    make(chan struct{}),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Name() string {
	return j.name
}

// Runs counts the attempts made so far.
func (j *Job) Runs() int {
	return int(j.runs.Load())
}

func (j *Job) canRun() bool {
	return j.Runs() <= j.retries
}

func (j *Job) finish(err error) {
	j.doneOnce.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Done is closed once the job succeeded or gave up.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err is the final error, valid after Done is closed.
func (j *Job) Err() error {
	<-j.done
	return j.err
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.err
	}
}
