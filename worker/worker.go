// Package worker runs the receive, process, settle loop shared by every queue consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/embeddedsocial/pipeline/queue"
	"github.com/embeddedsocial/pipeline/telemetry"
)

const (
	// PackageName names the tracer and meter of the worker loops.
	PackageName = "github.com/embeddedsocial/pipeline/worker"

	defaultReceiveBackoffBase = 100 * time.Millisecond
	defaultReceiveBackoffMax  = 5 * time.Second
	maxBackoffShift           = 16
)

var (
	ErrAlreadyRunning = errors.New("worker is already running")
	ErrPanic          = errors.New("message processing panicked")
)

// State of a worker loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Worker.
type Option func(*Worker)

// WithReceiveBackoff bounds the wait after consecutive failed receives. The wait
// starts at base and doubles up to limit.
func WithReceiveBackoff(base, limit time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.backoffBase = base
		}
		if limit >= w.backoffBase {
			w.backoffMax = limit
		}
	}
}

// WithRateLimiter makes the worker take a token before every receive. Workers
// of one queue share a limiter to cap the queue as a whole.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(w *Worker) {
		w.limiter = limiter
	}
}

// Worker receives one message at a time from its source and hands it to its
// handler. Successful messages are completed, failed ones abandoned. A Worker
// may be run again after it stopped, but never twice concurrently.
type Worker struct {
	name    string
	source  Source
	handler Handler
	tracer  *telemetry.Tracer
	metrics *workerMetrics

	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	done   chan struct{}
}

func New(name string, source Source, handler Handler, opts ...Option) *Worker {
	w := &Worker{
		name:        name,
		source:      source,
		handler:     handler,
		tracer:      telemetry.NewTracer(PackageName),
		metrics:     newWorkerMetrics(name, source.Name()),
		backoffBase: defaultReceiveBackoffBase,
		backoffMax:  defaultReceiveBackoffMax,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) QueueName() string {
	return w.source.Name()
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Stats() Stats {
	return w.metrics.snapshot(w.State())
}

// Run loops until Stop is called or ctx ends. It returns nil after Stop and
// ctx.Err() when ctx ended. A message being processed when either happens is
// settled before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.state = StateRunning
	stopCh := make(chan struct{})
	done := make(chan struct{})
	w.stopCh, w.done = stopCh, done
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.state = StateIdle
		close(done)
		w.mu.Unlock()
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	log := util.Log(ctx).WithField("worker", w.name).WithField("queue", w.source.Name())
	log.Debug("worker started")

	failures := 0
	for {
		select {
		case <-stopCh:
			log.Debug("worker stopped")
			return nil
		case <-ctx.Done():
			log.Debug("worker context ended")
			return ctx.Err()
		default:
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(loopCtx); err != nil {
				if loopCtx.Err() == nil {
					log.WithError(err).Warn("rate limiter rejected wait")
					w.pause(loopCtx, 1)
				}
				continue
			}
		}

		msg, err := w.source.Receive(loopCtx)
		if err != nil {
			if loopCtx.Err() != nil {
				continue
			}

			failures++
			w.metrics.receiveFailed(ctx)
			log.WithError(err).WithField("failures", failures).Warn("could not receive message")
			w.pause(loopCtx, failures)
			continue
		}
		failures = 0

		if msg == nil {
			continue
		}

		w.handle(ctx, msg)
	}
}

func (w *Worker) pause(ctx context.Context, failures int) {
	shift := min(failures-1, maxBackoffShift)
	delay := min(w.backoffBase*time.Duration(1<<shift), w.backoffMax)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// handle processes and settles msg. The work runs on a context that is not
// cancelled by Stop or by the end of the Run context.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	workCtx := queue.ContextWithTrace(context.WithoutCancel(ctx), msg)
	workCtx, span := w.tracer.Start(workCtx, "queue.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			telemetry.AttrQueueKey.String(w.source.Name()),
			telemetry.AttrKindKey.String(msg.Kind().String()),
		))

	log := util.Log(workCtx).
		WithField("worker", w.name).
		WithField("queue", w.source.Name()).
		WithField("message_id", msg.ID).
		WithField("kind", msg.Kind().String()).
		WithField("dequeue_count", msg.DequeueCount)
	workCtx = util.ContextWithLogger(workCtx, log)

	start := w.metrics.openMessage(workCtx)

	err := w.process(workCtx, msg)
	completed := false
	if err == nil {
		if cErr := w.source.Complete(workCtx, msg); cErr != nil {
			log.WithError(cErr).Error("could not complete message")
		} else {
			completed = true
		}
	} else {
		log.WithError(err).Error("message processing failed, abandoning")
		if aErr := w.source.Abandon(workCtx, msg); aErr != nil {
			log.WithError(aErr).Error("could not abandon message")
		}
	}

	w.metrics.closeMessage(workCtx, start, err, completed)
	w.tracer.End(workCtx, span, err)
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return w.handler.Process(ctx, msg)
}

// Stop asks the loop to exit and waits until it has, or until ctx ends. The
// message in flight, if any, is settled first. Stopping an idle worker is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateIdle:
		w.mu.Unlock()
		return nil
	case StateRunning:
		w.state = StateStopping
		close(w.stopCh)
	case StateStopping:
	}
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
