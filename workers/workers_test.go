package workers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	_ "github.com/embeddedsocial/pipeline/queue/memory"
	"github.com/embeddedsocial/pipeline/ratelimiter"
	"github.com/embeddedsocial/pipeline/worker"
	"github.com/embeddedsocial/pipeline/workers"
)

type WorkersSuite struct {
	suite.Suite
	store *fakeStore
}

func TestWorkersSuite(t *testing.T) {
	suite.Run(t, new(WorkersSuite))
}

func (s *WorkersSuite) SetupTest() {
	s.store = newFakeStore()
}

func delivery(payload messages.Payload, dequeueCount int) *queue.Message {
	return &queue.Message{ID: xid.New().String(), Payload: payload, DequeueCount: dequeueCount}
}

func (s *WorkersSuite) handler(queueName string) worker.Handler {
	h, err := workers.Handler(queueName, s.store.managers())
	s.Require().NoError(err)
	return h
}

func (s *WorkersSuite) TestDispatchesEveryVariant() {
	cases := []struct {
		queue   string
		payload messages.Payload
		method  string
	}{
		{messages.QueueFanoutActivities, &messages.FanoutActivity{UserHandle: "u1", ActivityHandle: "a1"}, "FanoutActivity"},
		{messages.QueueFanoutActivities, &messages.FanoutTopicActivity{TopicHandle: "t1", ActivityHandle: "a1"}, "FanoutTopicActivity"},
		{messages.QueueFanoutTopics, &messages.FanoutTopic{UserHandle: "u1", TopicHandle: "t1"}, "FanoutTopic"},
		{messages.QueueFollowingImports, &messages.FollowingImport{FollowerKeyUserHandle: "u1", FollowingUserHandle: "u2"}, "ImportFollowing"},
		{messages.QueueLikes, &messages.Like{LikeHandle: "l1", ContentHandle: "c1", UserHandle: "u1"}, "UpdateLike"},
		{messages.QueueRelationships, &messages.Relationship{RelationshipHandle: "r1", RelationshipOperation: messages.RelationshipFollow}, "UpdateRelationship"},
		{messages.QueueReports, &messages.Report{ReportHandle: "rep1"}, "SubmitReportForReview"},
		{messages.QueueResizeImages, &messages.ResizeImage{BlobHandle: "b1", ImageType: messages.ImageTypeUserPhoto}, "ResizeImage"},
		{messages.QueueSearch, &messages.SearchRemoveTopic{TopicHandle: "t1"}, "RemoveTopic"},
		{messages.QueueSearch, &messages.SearchRemoveUser{UserHandle: "u1"}, "RemoveUser"},
		{messages.QueueModeration, &messages.ContentModeration{ModerationHandle: "m1"}, "SubmitContentForModeration"},
		{messages.QueueModeration, &messages.ImageModeration{ModerationHandle: "m1"}, "SubmitImageForModeration"},
		{messages.QueueModeration, &messages.UserModeration{ModerationHandle: "m1"}, "SubmitUserForModeration"},
	}

	for _, tc := range cases {
		s.Run(string(tc.payload.Kind()), func() {
			s.store = newFakeStore()
			h := s.handler(tc.queue)

			s.Require().NoError(h.Process(context.Background(), delivery(tc.payload, 1)))

			calls := s.store.Calls()
			s.Require().Len(calls, 1)
			s.Equal(tc.method, calls[0].method)
		})
	}
}

func (s *WorkersSuite) TestProcessTypeFollowsDequeueCount() {
	h := s.handler(messages.QueueReports)

	s.Require().NoError(h.Process(context.Background(), delivery(&messages.Report{ReportHandle: "r"}, 1)))
	s.Require().NoError(h.Process(context.Background(), delivery(&messages.Report{ReportHandle: "r"}, 3)))

	calls := s.store.Calls()
	s.Require().Len(calls, 2)
	s.Equal(managers.ProcessTypeBackend, calls[0].pt)
	s.Equal(managers.ProcessTypeBackendRetry, calls[1].pt)
}

func (s *WorkersSuite) TestManagerErrorsPropagate() {
	s.store.failWith = errors.New("store unavailable")
	h := s.handler(messages.QueueFanoutTopics)

	err := h.Process(context.Background(), delivery(&messages.FanoutTopic{TopicHandle: "t"}, 1))
	s.Require().ErrorIs(err, s.store.failWith)
}

func (s *WorkersSuite) TestUnknownVariantsComplete() {
	for _, name := range messages.QueueNames() {
		s.Run(name, func() {
			h := s.handler(name)

			unknown := &messages.Unrecognized{Tag: "mystery", Body: []byte(`{}`)}
			s.Require().NoError(h.Process(context.Background(), delivery(unknown, 1)))

			// a variant routed elsewhere is just as unknown here
			var foreign messages.Payload = &messages.Report{}
			if name == messages.QueueReports {
				foreign = &messages.Like{}
			}
			s.Require().NoError(h.Process(context.Background(), delivery(foreign, 1)))
		})
	}
	s.Empty(s.store.Calls())
}

func (s *WorkersSuite) TestStaleLikeIsSkipped() {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	s.store.likes["c1|u1"] = managers.Like{LikeHandle: "direct", ContentHandle: "c1", UserHandle: "u1", Liked: false, LastUpdatedTime: t2}

	h := s.handler(messages.QueueLikes)
	msg := &messages.Like{LikeHandle: "queued", ContentHandle: "c1", UserHandle: "u1", Liked: true, LastUpdatedTime: t1}
	s.Require().NoError(h.Process(context.Background(), delivery(msg, 1)))

	s.Empty(s.store.Calls())
	current, err := s.store.ReadLike(context.Background(), "c1", "u1")
	s.Require().NoError(err)
	s.False(current.Liked)
	s.Equal(t2, current.LastUpdatedTime)
}

func (s *WorkersSuite) TestEqualTimestampLikeIsApplied() {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.store.likes["c1|u1"] = managers.Like{ContentHandle: "c1", UserHandle: "u1", LastUpdatedTime: t1}

	h := s.handler(messages.QueueLikes)
	msg := &messages.Like{LikeHandle: "l", ContentHandle: "c1", UserHandle: "u1", Liked: true, LastUpdatedTime: t1}
	s.Require().NoError(h.Process(context.Background(), delivery(msg, 2)))

	calls := s.store.Calls()
	s.Require().Len(calls, 1)
	s.Equal(managers.ProcessTypeBackendRetry, calls[0].pt)
}

func (s *WorkersSuite) TestRelationshipsConvergeInAnyOrder() {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	follow := &messages.Relationship{
		RelationshipOperation: messages.RelationshipFollow, RelationshipHandle: "A",
		FollowerKeyUserHandle: "u1", FollowingKeyUserHandle: "u2", AppHandle: "app", LastUpdatedTime: t1,
	}
	unfollow := &messages.Relationship{
		RelationshipOperation: messages.RelationshipUnfollow, RelationshipHandle: "B",
		FollowerKeyUserHandle: "u1", FollowingKeyUserHandle: "u2", AppHandle: "app", LastUpdatedTime: t2,
	}

	orders := map[string][]*messages.Relationship{
		"in order": {follow, unfollow},
		"reversed": {unfollow, follow},
	}

	for name, order := range orders {
		s.Run(name, func() {
			s.store = newFakeStore()
			h := s.handler(messages.QueueRelationships)

			for _, m := range order {
				s.Require().NoError(h.Process(context.Background(), delivery(m, 1)))
			}

			rel, err := s.store.ReadRelationship(context.Background(), "u1", "u2", "app")
			s.Require().NoError(err)
			s.Equal("B", rel.RelationshipHandle)
			s.Equal(managers.RelationshipStatusNone, rel.Status)
			s.Equal(t2, rel.LastUpdatedTime)
		})
	}
}

func (s *WorkersSuite) TestSearchIndexReadMissIsNoop() {
	h := s.handler(messages.QueueSearch)

	s.Require().NoError(h.Process(context.Background(), delivery(&messages.SearchIndexTopic{TopicHandle: "gone"}, 1)))
	s.Require().NoError(h.Process(context.Background(), delivery(&messages.SearchIndexUser{UserHandle: "gone", AppHandle: "app"}, 1)))
	s.Empty(s.store.Calls())

	s.store.topics["t1"] = &managers.Topic{TopicHandle: "t1"}
	s.store.users["u1|app"] = &managers.UserProfile{UserHandle: "u1", AppHandle: "app"}

	s.Require().NoError(h.Process(context.Background(), delivery(&messages.SearchIndexTopic{TopicHandle: "t1"}, 1)))
	s.Require().NoError(h.Process(context.Background(), delivery(&messages.SearchIndexUser{UserHandle: "u1", AppHandle: "app"}, 1)))

	calls := s.store.Calls()
	s.Require().Len(calls, 2)
	s.Equal("IndexTopic", calls[0].method)
	s.Equal("IndexUser", calls[1].method)
}

func TestHandlerRejectsUnknownQueue(t *testing.T) {
	_, err := workers.Handler("nope", workers.Managers{})
	require.Error(t, err)
}

func TestBuildRunsLikesEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	qm := queue.NewManager(ctx, queue.WithReceiveWait(50*time.Millisecond))
	t.Cleanup(func() { _ = qm.Close(ctx) })

	for _, name := range messages.QueueNames() {
		require.NoError(t, qm.AddQueue(ctx, name, "mem://"+xid.New().String()))
	}

	instances := func(name string) int {
		if name == messages.QueueLikes {
			return 2
		}
		return 0
	}

	plan := workers.Plan{
		Instances: instances,
		Limits:    ratelimiter.NewQueueLimits(map[string]float64{messages.QueueLikes: 1000}, 10),
	}

	built, err := workers.Build(ctx, store.managers(), qm, plan)
	require.NoError(t, err)
	require.Len(t, built, 2)

	for _, w := range built {
		require.Equal(t, messages.QueueLikes, w.QueueName())
		go func() { _ = w.Run(ctx) }()
		t.Cleanup(func() { _ = w.Stop(context.Background()) })
	}

	require.NoError(t, qm.Send(ctx, &messages.Like{
		LikeHandle: "l1", ContentHandle: "c1", UserHandle: "u1", Liked: true, LastUpdatedTime: time.Now().UTC(),
	}))

	require.Eventually(t, func() bool {
		like, err := store.ReadLike(ctx, "c1", "u1")
		return err == nil && like.Liked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlanFromConfig(t *testing.T) {
	cfg := &config.ConfigurationDefault{
		WorkerInstances:         2,
		WorkerInstancesPerQueue: map[string]int{messages.QueueSearch: 0},
		WorkerRatePerQueue:      map[string]float64{messages.QueueResizeImages: 5},
	}

	plan := workers.PlanFromConfig(cfg)
	require.Equal(t, 2, plan.Instances(messages.QueueLikes))
	require.Equal(t, 0, plan.Instances(messages.QueueSearch))
	require.NotNil(t, plan.Limits.For(messages.QueueResizeImages))
	require.Nil(t, plan.Limits.For(messages.QueueLikes))
}
