package workerpool

import (
	"context"
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/config"
)

// WorkerPool is satisfied by a single ants.Pool or an ants.MultiPool.
type WorkerPool interface {
	Submit(ctx context.Context, task func()) error
	Running() int
	Shutdown()
}

// Options configures the ants pools backing a Manager.
type Options struct {
	PoolCount          int
	SinglePoolCapacity int
	MaxBlockingTasks   int
	ExpiryDuration     time.Duration
	Nonblocking        bool
	PanicHandler       func(any)
	Logger             *util.LogEntry
}

type Option func(*Options)

func WithPoolCount(count int) Option {
	return func(opts *Options) {
		opts.PoolCount = count
	}
}

// WithSinglePoolCapacity sets how many tasks one pool runs at once. Worker loops
// hold a slot for their whole life, so capacity must cover every instance.
func WithSinglePoolCapacity(capacity int) Option {
	return func(opts *Options) {
		opts.SinglePoolCapacity = capacity
	}
}

func WithMaxBlockingTasks(n int) Option {
	return func(opts *Options) {
		opts.MaxBlockingTasks = n
	}
}

func WithPoolExpiryDuration(duration time.Duration) Option {
	return func(opts *Options) {
		opts.ExpiryDuration = duration
	}
}

// WithPoolNonblocking makes Submit fail fast instead of waiting for a free slot.
func WithPoolNonblocking(nonblocking bool) Option {
	return func(opts *Options) {
		opts.Nonblocking = nonblocking
	}
}

func WithPoolPanicHandler(handler func(any)) Option {
	return func(opts *Options) {
		opts.PanicHandler = handler
	}
}

func WithPoolLogger(logger *util.LogEntry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions(cfg config.ConfigurationWorkerPool, log *util.LogEntry) *Options {
	opts := &Options{
		PoolCount:          1,
		SinglePoolCapacity: runtime.NumCPU(),
		Logger:             log,
	}
	if cfg == nil {
		return opts
	}

	opts.PoolCount = cfg.GetCount()
	opts.SinglePoolCapacity = cfg.GetCapacity()
	opts.MaxBlockingTasks = runtime.NumCPU() * cfg.GetCPUFactor()
	opts.ExpiryDuration = cfg.GetExpiryDuration()
	return opts
}

func setupWorkerPool(wopts *Options) (WorkerPool, error) {
	antsOpts := []ants.Option{
		ants.WithNonblocking(wopts.Nonblocking),
		ants.WithLogger(wopts.Logger),
	}
	if wopts.ExpiryDuration > 0 {
		antsOpts = append(antsOpts, ants.WithExpiryDuration(wopts.ExpiryDuration))
	}
	if wopts.MaxBlockingTasks > 0 {
		antsOpts = append(antsOpts, ants.WithMaxBlockingTasks(wopts.MaxBlockingTasks))
	}
	if wopts.PanicHandler != nil {
		antsOpts = append(antsOpts, ants.WithPanicHandler(wopts.PanicHandler))
	}

	if wopts.PoolCount <= 1 {
		p, err := ants.NewPool(wopts.SinglePoolCapacity, antsOpts...)
		if err != nil {
			return nil, err
		}
		return &singlePool{pool: p}, nil
	}

	mp, err := ants.NewMultiPool(wopts.PoolCount, wopts.SinglePoolCapacity, ants.LeastTasks, antsOpts...)
	if err != nil {
		return nil, err
	}
	return &multiPool{multiPool: mp}, nil
}

type singlePool struct {
	pool *ants.Pool
}

func (w *singlePool) Submit(ctx context.Context, task func()) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return w.pool.Submit(task)
}

func (w *singlePool) Running() int {
	return w.pool.Running()
}

func (w *singlePool) Shutdown() {
	w.pool.Release()
}

type multiPool struct {
	multiPool *ants.MultiPool
}

func (w *multiPool) Submit(ctx context.Context, task func()) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return w.multiPool.Submit(task)
}

func (w *multiPool) Running() int {
	return w.multiPool.Running()
}

func (w *multiPool) Shutdown() {
	w.multiPool.ReleaseTimeout(shutdownTimeout) //nolint:errcheck // best effort on shutdown
}
