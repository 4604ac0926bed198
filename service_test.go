package pipeline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/embeddedsocial/pipeline"
	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	"github.com/embeddedsocial/pipeline/worker"
)

type ServiceSuite struct {
	suite.Suite
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) config() *config.ConfigurationDefault {
	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	s.Require().NoError(err)
	cfg.OpenTelemetryDisable = true
	cfg.WorkerStopTimeout = "2s"
	cfg.QueueURLTemplate = "mem://" + xid.New().String() + "-{queue}"
	return &cfg
}

// likesWorkers builds one worker per registered queue that counts what it processes.
func likesWorkers(processed *atomic.Int32) pipeline.WorkerFactory {
	return func(_ context.Context, svc *pipeline.Service) ([]*worker.Worker, error) {
		var built []*worker.Worker
		for _, q := range svc.QueueManager().Queues() {
			built = append(built, worker.New(q.Name()+"-0", q, worker.HandlerFunc(
				func(_ context.Context, _ *queue.Message) error {
					processed.Add(1)
					return nil
				})))
		}
		return built, nil
	}
}

func (s *ServiceSuite) TestServiceCarriesItsIdentity() {
	ctx, svc := pipeline.NewService("socialworker",
		pipeline.WithConfig(s.config()),
		pipeline.WithVersion("1.2.0"),
		pipeline.WithEnvironment("test"),
	)
	defer svc.Stop(ctx)

	s.Equal("socialworker", svc.Name())
	s.Equal("1.2.0", svc.Version())
	s.Equal("test", svc.Environment())
	s.Same(svc, pipeline.Svc(ctx))
	s.NotNil(config.FromContext[*config.ConfigurationDefault](ctx))
	s.Nil(pipeline.Svc(context.Background()))
}

func (s *ServiceSuite) TestRunWithoutWorkersFails() {
	ctx, svc := pipeline.NewService("empty",
		pipeline.WithConfig(s.config()),
		pipeline.WithQueues(messages.QueueLikes),
	)

	err := svc.Run(ctx)
	s.Require().ErrorIs(err, pipeline.ErrNoWorkers)
}

func (s *ServiceSuite) TestRunProcessesUntilContextEnds() {
	var processed atomic.Int32

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, svc := pipeline.NewServiceWithContext(parent, "likes",
		pipeline.WithConfig(s.config()),
		pipeline.WithQueueOptions(queue.WithReceiveWait(50*time.Millisecond)),
		pipeline.WithQueues(messages.QueueLikes),
		pipeline.WithWorkers(likesWorkers(&processed)),
	)

	var cleaned atomic.Bool
	svc.AddCleanupMethod(func(context.Context) { cleaned.Store(true) })

	result := make(chan error, 1)
	go func() { result <- svc.Run(ctx) }()

	s.Require().Eventually(func() bool {
		workers := svc.Workers()
		return len(workers) == 1 && workers[0].State() == worker.StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	for range 3 {
		s.Require().NoError(svc.QueueManager().Send(ctx, &messages.Like{
			LikeHandle:    xid.New().String(),
			ContentHandle: "c1",
			UserHandle:    "u1",
			Liked:         true,
		}))
	}

	s.Require().Eventually(func() bool {
		return processed.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-result:
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.Fail("service did not stop")
	}

	s.True(cleaned.Load())
	for _, w := range svc.Workers() {
		s.Equal(worker.StateIdle, w.State())
	}
}

func (s *ServiceSuite) TestRunFailsOnUnknownDriver() {
	var processed atomic.Int32

	ctx, svc := pipeline.NewService("broken",
		pipeline.WithConfig(s.config()),
		pipeline.WithQueue(messages.QueueLikes, "nosuchdriver://likes"),
		pipeline.WithWorkers(likesWorkers(&processed)),
	)

	err := svc.Run(ctx)
	s.Require().Error(err)
	s.Require().ErrorIs(err, queue.ErrUnknownScheme)
}

func (s *ServiceSuite) TestStopIsIdempotent() {
	ctx, svc := pipeline.NewService("twice", pipeline.WithConfig(s.config()))

	var calls atomic.Int32
	svc.AddCleanupMethod(func(context.Context) { calls.Add(1) })
	svc.AddCleanupMethod(func(context.Context) { calls.Add(10) })

	svc.Stop(ctx)
	svc.Stop(ctx)

	s.Equal(int32(11), calls.Load())
	s.True(errors.Is(ctx.Err(), context.Canceled))
}

func (s *ServiceSuite) TestStopDuringStartKeepsWorkersIdle() {
	var processed atomic.Int32
	var built []*worker.Worker

	ctx, svc := pipeline.NewService("early-stop",
		pipeline.WithConfig(s.config()),
		pipeline.WithQueueOptions(queue.WithReceiveWait(50*time.Millisecond)),
		pipeline.WithQueues(messages.QueueLikes),
		pipeline.WithWorkers(func(ctx context.Context, svc *pipeline.Service) ([]*worker.Worker, error) {
			workers, err := likesWorkers(&processed)(ctx, svc)
			built = workers
			svc.Stop(ctx)
			return workers, err
		}),
	)

	err := svc.Run(ctx)
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().Len(built, 1)

	s.Never(func() bool {
		return built[0].State() != worker.StateIdle
	}, 200*time.Millisecond, 10*time.Millisecond)
	s.Empty(svc.Workers())
}

func (s *ServiceSuite) TestStopRightAfterStartEndsEveryWorker() {
	var processed atomic.Int32

	ctx, svc := pipeline.NewService("quick-stop",
		pipeline.WithConfig(s.config()),
		pipeline.WithQueueOptions(queue.WithReceiveWait(50*time.Millisecond)),
		pipeline.WithQueues(messages.QueueLikes, messages.QueueSearch),
		pipeline.WithWorkers(likesWorkers(&processed)),
	)

	result := make(chan error, 1)
	go func() { result <- svc.Run(ctx) }()

	s.Require().Eventually(func() bool {
		return len(svc.Workers()) == 2
	}, 2*time.Second, time.Millisecond)
	svc.Stop(ctx)

	select {
	case err := <-result:
		s.Require().ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		s.Fail("service did not stop")
	}

	s.Never(func() bool {
		for _, w := range svc.Workers() {
			if w.State() != worker.StateIdle {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 10*time.Millisecond)
}
