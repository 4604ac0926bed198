package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"

	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	_ "github.com/embeddedsocial/pipeline/queue/memory"
	"github.com/embeddedsocial/pipeline/worker"
)

type WorkerSuite struct {
	suite.Suite
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) newQueue(params string) *queue.Queue {
	u := "mem://" + xid.New().String()
	if params != "" {
		u += "?" + params
	}

	tr, err := queue.NewTransport(messages.QueueLikes, u, queue.WithReceiveWait(50*time.Millisecond))
	s.Require().NoError(err)

	q := queue.NewQueue(messages.QueueLikes, tr, messages.KindLike)
	s.T().Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func likePayload(handle string) *messages.Like {
	return &messages.Like{LikeHandle: handle, ContentHandle: "c1", UserHandle: "u1", Liked: true}
}

// start runs w in the background and stops it when the test ends.
func (s *WorkerSuite) start(w *worker.Worker) <-chan error {
	result := make(chan error, 1)
	go func() { result <- w.Run(context.Background()) }()

	s.Require().Eventually(func() bool {
		return w.State() == worker.StateRunning
	}, time.Second, 5*time.Millisecond)

	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return result
}

func (s *WorkerSuite) activeCount(q *queue.Queue) int64 {
	n, err := q.Transport().MessageCount(context.Background())
	s.Require().NoError(err)
	return n
}

func (s *WorkerSuite) TestCompletesProcessedMessages() {
	ctx := context.Background()
	q := s.newQueue("")

	var seen sync.Map
	w := worker.New("likes", q, worker.HandlerFunc(func(_ context.Context, msg *queue.Message) error {
		seen.Store(msg.Payload.(*messages.Like).LikeHandle, msg.DequeueCount)
		return nil
	}))
	s.start(w)

	for _, h := range []string{"a", "b", "c"} {
		s.Require().NoError(q.Send(ctx, likePayload(h)))
	}

	s.Eventually(func() bool { return w.Stats().Completed == 3 }, 2*time.Second, 10*time.Millisecond)
	s.Zero(s.activeCount(q))

	for _, h := range []string{"a", "b", "c"} {
		count, ok := seen.Load(h)
		s.True(ok, h)
		s.Equal(1, count)
	}
}

func (s *WorkerSuite) TestRateLimiterSpacesReceives() {
	ctx := context.Background()
	q := s.newQueue("")

	for _, h := range []string{"a", "b", "c", "d"} {
		s.Require().NoError(q.Send(ctx, likePayload(h)))
	}

	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	w := worker.New("likes", q, worker.HandlerFunc(func(context.Context, *queue.Message) error {
		return nil
	}), worker.WithRateLimiter(limiter))

	started := time.Now()
	s.start(w)

	s.Require().Eventually(func() bool { return w.Stats().Completed == 4 }, 2*time.Second, 5*time.Millisecond)
	s.GreaterOrEqual(time.Since(started), 140*time.Millisecond)
}

func (s *WorkerSuite) TestFailureAbandonsForRedelivery() {
	cases := []struct {
		name string
		fail func(context.Context, *queue.Message) error
	}{
		{
			name: "error",
			fail: func(context.Context, *queue.Message) error { return errors.New("downstream unavailable") },
		},
		{
			name: "panic",
			fail: func(context.Context, *queue.Message) error { panic("boom") },
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			ctx := context.Background()
			q := s.newQueue("")

			var counts []int
			var mu sync.Mutex
			w := worker.New("likes", q, worker.HandlerFunc(func(ctx context.Context, msg *queue.Message) error {
				mu.Lock()
				counts = append(counts, msg.DequeueCount)
				mu.Unlock()
				if msg.DequeueCount == 1 {
					return tc.fail(ctx, msg)
				}
				return nil
			}))
			s.start(w)

			s.Require().NoError(q.Send(ctx, likePayload("retry")))

			s.Eventually(func() bool { return w.Stats().Completed == 1 }, 2*time.Second, 10*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			s.Equal([]int{1, 2}, counts)

			stats := w.Stats()
			s.EqualValues(1, stats.Failed)
			s.EqualValues(1, stats.Abandoned)
			s.EqualValues(2, stats.Received)
		})
	}
}

func (s *WorkerSuite) TestRepeatedFailuresDeadLetter() {
	ctx := context.Background()
	q := s.newQueue("max_delivery_count=2")

	w := worker.New("likes", q, worker.HandlerFunc(func(context.Context, *queue.Message) error {
		return errors.New("always")
	}))
	s.start(w)

	s.Require().NoError(q.Send(ctx, likePayload("poison")))

	s.Eventually(func() bool {
		n, err := q.Transport().DeadLetterMessageCount(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return w.Stats().Failed == 2 }, time.Second, 10*time.Millisecond)
}

func (s *WorkerSuite) TestRunTwiceIsRejected() {
	q := s.newQueue("")
	w := worker.New("likes", q, worker.HandlerFunc(func(context.Context, *queue.Message) error { return nil }))
	result := s.start(w)

	s.Require().ErrorIs(w.Run(context.Background()), worker.ErrAlreadyRunning)

	s.Require().NoError(w.Stop(context.Background()))
	s.Require().NoError(<-result)
	s.Equal(worker.StateIdle, w.State())

	// a stopped worker can run again
	s.start(w)
}

func (s *WorkerSuite) TestStopWaitsForInFlightMessage() {
	ctx := context.Background()
	q := s.newQueue("")

	entered := make(chan struct{})
	release := make(chan struct{})
	w := worker.New("likes", q, worker.HandlerFunc(func(ctx context.Context, _ *queue.Message) error {
		close(entered)
		<-release
		return ctx.Err()
	}))
	result := s.start(w)

	s.Require().NoError(q.Send(ctx, likePayload("slow")))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	s.Eventually(func() bool { return w.State() == worker.StateStopping }, time.Second, 5*time.Millisecond)
	select {
	case <-stopped:
		s.Fail("stop returned while a message was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	s.Require().NoError(<-stopped)
	s.Require().NoError(<-result)

	s.EqualValues(1, w.Stats().Completed)
	s.Zero(s.activeCount(q))
}

func (s *WorkerSuite) TestContextEndStopsLoop() {
	q := s.newQueue("")
	w := worker.New("likes", q, worker.HandlerFunc(func(context.Context, *queue.Message) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- w.Run(ctx) }()

	s.Eventually(func() bool { return w.State() == worker.StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	s.Require().ErrorIs(<-result, context.Canceled)
	s.Equal(worker.StateIdle, w.State())
	s.Require().NoError(w.Stop(context.Background()))
}

// flakySource fails its first receives and then serves a single message.
type flakySource struct {
	failures  atomic.Int32
	served    atomic.Bool
	completed chan *queue.Message
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Receive(ctx context.Context) (*queue.Message, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, &queue.TransportError{Op: "receive", Queue: "flaky", Err: errors.New("connection reset")}
	}
	if f.served.CompareAndSwap(false, true) {
		return &queue.Message{ID: "m1", Payload: likePayload("x"), DequeueCount: 1}, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *flakySource) Complete(_ context.Context, msg *queue.Message) error {
	f.completed <- msg
	return nil
}

func (f *flakySource) Abandon(context.Context, *queue.Message) error {
	return errors.New("unexpected abandon")
}

func TestReceiveErrorsDoNotStopTheLoop(t *testing.T) {
	src := &flakySource{completed: make(chan *queue.Message, 1)}
	src.failures.Store(3)

	w := worker.New("flaky", src,
		worker.HandlerFunc(func(context.Context, *queue.Message) error { return nil }),
		worker.WithReceiveBackoff(time.Millisecond, 5*time.Millisecond))

	result := make(chan error, 1)
	go func() { result <- w.Run(context.Background()) }()

	select {
	case msg := <-src.completed:
		require.Equal(t, "m1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was never completed")
	}

	require.EqualValues(t, 3, w.Stats().ReceiveErrors)
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, <-result)
}

func TestStateString(t *testing.T) {
	cases := map[worker.State]string{
		worker.StateIdle:     "idle",
		worker.StateRunning:  "running",
		worker.StateStopping: "stopping",
		worker.State(9):      "state(9)",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}
