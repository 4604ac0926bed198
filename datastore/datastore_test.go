package datastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/embeddedsocial/pipeline/datastore"
	"github.com/embeddedsocial/pipeline/internal/testdeps"
	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
)

type StoreSuite struct {
	testdeps.BaseSuite
	store *datastore.Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.InitResourceFunc = func(_ context.Context) []testdeps.Resource {
		return []testdeps.Resource{testdeps.NewPostgres()}
	}
	s.BaseSuite.SetupSuite()

	ctx := s.T().Context()
	dsn, err := testdeps.FreshDatabase(ctx, s.DSN(0), "store")
	s.Require().NoError(err)

	s.store, err = datastore.NewStore(ctx, datastore.WithConnection(dsn, false), datastore.WithMigration(true))
	s.Require().NoError(err)
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close(context.Background())
	}
	s.BaseSuite.TearDownSuite()
}

func (s *StoreSuite) TestLikesConvergeAndCount() {
	ctx := s.T().Context()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	like := func(liked bool, at time.Time) managers.Like {
		return managers.Like{
			LikeHandle: "l-" + at.Format("150405"), ContentType: messages.ContentTypeTopic,
			ContentHandle: "content-likes", UserHandle: "u1", AppHandle: "app", Liked: liked, LastUpdatedTime: at,
		}
	}

	s.Require().NoError(s.store.UpdateLike(ctx, managers.ProcessTypeBackend, like(false, t2)))
	s.Require().NoError(s.store.UpdateLike(ctx, managers.ProcessTypeBackend, like(true, t1)))

	stored, err := s.store.ReadLike(ctx, "content-likes", "u1")
	s.Require().NoError(err)
	s.False(stored.Liked)
	s.True(stored.LastUpdatedTime.Equal(t2))

	count, err := s.store.LikeCount(ctx, "content-likes")
	s.Require().NoError(err)
	s.Zero(count)

	t3 := t2.Add(time.Minute)
	s.Require().NoError(s.store.UpdateLike(ctx, managers.ProcessTypeBackend, like(true, t3)))
	s.Require().NoError(s.store.UpdateLike(ctx, managers.ProcessTypeBackendRetry, like(true, t3)))

	count, err = s.store.LikeCount(ctx, "content-likes")
	s.Require().NoError(err)
	s.EqualValues(1, count)
}

func (s *StoreSuite) TestRelationshipUpsertIgnoresOlderWrites() {
	ctx := s.T().Context()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	newer := managers.Relationship{
		RelationshipHandle: "B", FollowerKeyUserHandle: "r1", FollowingKeyUserHandle: "r2",
		AppHandle: "app", Status: managers.RelationshipStatusNone, LastUpdatedTime: t2,
	}
	older := newer
	older.RelationshipHandle = "A"
	older.Status = managers.RelationshipStatusFollow
	older.LastUpdatedTime = t1

	s.Require().NoError(s.store.UpdateRelationship(ctx, managers.ProcessTypeBackend, newer))
	s.Require().NoError(s.store.UpdateRelationship(ctx, managers.ProcessTypeBackend, older))

	rel, err := s.store.ReadRelationship(ctx, "r1", "r2", "app")
	s.Require().NoError(err)
	s.Equal("B", rel.RelationshipHandle)
	s.Equal(managers.RelationshipStatusNone, rel.Status)

	_, err = s.store.ReadRelationship(ctx, "r1", "nobody", "app")
	s.Require().ErrorIs(err, managers.ErrNotFound)
}

func (s *StoreSuite) TestFanoutReachesFollowersOnce() {
	ctx := s.T().Context()
	now := time.Now().UTC()

	for _, follower := range []string{"f1", "f2"} {
		s.Require().NoError(s.store.UpdateRelationship(ctx, managers.ProcessTypeBackend, managers.Relationship{
			FollowerKeyUserHandle: follower, FollowingKeyUserHandle: "star", AppHandle: "app",
			Status: managers.RelationshipStatusFollow, LastUpdatedTime: now,
		}))
	}
	s.Require().NoError(s.store.UpdateRelationship(ctx, managers.ProcessTypeBackend, managers.Relationship{
		FollowerKeyUserHandle: "f3", FollowingKeyUserHandle: "star", AppHandle: "app",
		Status: managers.RelationshipStatusPending, LastUpdatedTime: now,
	}))

	activity := managers.Activity{
		ActivityHandle: "act-1", AppHandle: "app", ActivityType: messages.ActivityTypeComment,
		ActorUserHandle: "star", CreatedTime: now,
	}
	s.Require().NoError(s.store.FanoutActivity(ctx, managers.ProcessTypeBackend, "star", activity))
	s.Require().NoError(s.store.FanoutActivity(ctx, managers.ProcessTypeBackendRetry, "star", activity))

	for _, follower := range []string{"f1", "f2"} {
		feed, err := s.store.Feed(ctx, follower, "app", 10)
		s.Require().NoError(err)
		s.Require().Len(feed, 1)
		s.Equal("act-1", feed[0].ItemHandle)
	}

	feed, err := s.store.Feed(ctx, "f3", "app", 10)
	s.Require().NoError(err)
	s.Empty(feed)
}

func (s *StoreSuite) TestImportFollowingAndTopicFanout() {
	ctx := s.T().Context()
	now := time.Now().UTC()

	s.Require().NoError(s.store.PutTopic(ctx, managers.Topic{
		TopicHandle: "topic-import", AppHandle: "app", UserHandle: "writer", Title: "hello", CreatedTime: now,
	}))
	s.Require().NoError(s.store.ImportFollowing(ctx, managers.ProcessTypeBackend, "app", "reader", "writer"))

	feed, err := s.store.Feed(ctx, "reader", "app", 10)
	s.Require().NoError(err)
	s.Require().Len(feed, 1)
	s.Equal(datastore.FeedTypeTopic, feed[0].FeedType)

	s.Require().NoError(s.store.FanoutTopic(ctx, managers.ProcessTypeBackend, "writer", "app", "deleted-topic"))
}

func (s *StoreSuite) TestSearchDocuments() {
	ctx := s.T().Context()

	topic := &managers.Topic{TopicHandle: "topic-search", AppHandle: "app", Title: "Gopher meetup", Text: "bring snacks"}
	s.Require().NoError(s.store.IndexTopic(ctx, topic))
	s.Require().NoError(s.store.IndexTopic(ctx, topic))

	docs, err := s.store.SearchDocuments(ctx, datastore.DocumentTypeTopic, "gopher")
	s.Require().NoError(err)
	s.Require().Len(docs, 1)

	s.Require().NoError(s.store.RemoveTopic(ctx, "topic-search"))
	docs, err = s.store.SearchDocuments(ctx, datastore.DocumentTypeTopic, "gopher")
	s.Require().NoError(err)
	s.Empty(docs)

	_, err = s.store.ReadTopic(ctx, "topic-search")
	s.Require().ErrorIs(err, managers.ErrNotFound)
}

func (s *StoreSuite) TestReviewRequestsAreIdempotent() {
	ctx := s.T().Context()

	for range 2 {
		s.Require().NoError(s.store.SubmitReportForReview(ctx, managers.ProcessTypeBackend, "app", "rep-1", ""))
		s.Require().NoError(s.store.ResizeImage(ctx, managers.ProcessTypeBackend, "blob-1", messages.ImageTypeUserPhoto))
		s.Require().NoError(s.store.SubmitUserForModeration(ctx, managers.ProcessTypeBackend,
			managers.ModerationRequest{ModerationHandle: "mod-1", AppHandle: "app", UserHandle: "u1"}))
	}

	s.Require().Error(s.store.ResizeImage(ctx, managers.ProcessTypeBackend, "blob-2", messages.ImageType("banner")))
}
