package workers

import (
	"context"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// FanoutActivities spreads user and topic activities into follower feeds.
type FanoutActivities struct {
	activities managers.ActivitiesManager
}

func NewFanoutActivities(activities managers.ActivitiesManager) *FanoutActivities {
	return &FanoutActivities{activities: activities}
}

func (w *FanoutActivities) Process(ctx context.Context, msg *queue.Message) error {
	pt := managers.ProcessTypeFor(msg.DequeueCount)

	switch p := msg.Payload.(type) {
	case *messages.FanoutActivity:
		return w.activities.FanoutActivity(ctx, pt, p.UserHandle, managers.Activity{
			ActivityHandle:       p.ActivityHandle,
			AppHandle:            p.AppHandle,
			ActivityType:         p.ActivityType,
			ActorUserHandle:      p.ActorUserHandle,
			ActedOnUserHandle:    p.ActedOnUserHandle,
			ActedOnContentType:   p.ActedOnContentType,
			ActedOnContentHandle: p.ActedOnContentHandle,
			CreatedTime:          p.CreatedTime,
		})
	case *messages.FanoutTopicActivity:
		return w.activities.FanoutTopicActivity(ctx, pt, p.TopicHandle, managers.Activity{
			ActivityHandle:       p.ActivityHandle,
			AppHandle:            p.AppHandle,
			ActivityType:         p.ActivityType,
			ActorUserHandle:      p.ActorUserHandle,
			ActedOnUserHandle:    p.ActedOnUserHandle,
			ActedOnContentType:   p.ActedOnContentType,
			ActedOnContentHandle: p.ActedOnContentHandle,
			CreatedTime:          p.CreatedTime,
		})
	default:
		return unhandled(ctx, messages.QueueFanoutActivities, msg)
	}
}

// FanoutTopics copies new topics into the feeds of the publisher's followers.
type FanoutTopics struct {
	topics managers.TopicsManager
}

func NewFanoutTopics(topics managers.TopicsManager) *FanoutTopics {
	return &FanoutTopics{topics: topics}
}

func (w *FanoutTopics) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.FanoutTopic)
	if !ok {
		return unhandled(ctx, messages.QueueFanoutTopics, msg)
	}

	return w.topics.FanoutTopic(ctx, managers.ProcessTypeFor(msg.DequeueCount), p.UserHandle, p.AppHandle, p.TopicHandle)
}

// FollowingImports backfills a follower's feed after a new follow.
type FollowingImports struct {
	relationships managers.RelationshipsManager
}

func NewFollowingImports(relationships managers.RelationshipsManager) *FollowingImports {
	return &FollowingImports{relationships: relationships}
}

func (w *FollowingImports) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.FollowingImport)
	if !ok {
		return unhandled(ctx, messages.QueueFollowingImports, msg)
	}

	return w.relationships.ImportFollowing(ctx,
		managers.ProcessTypeFor(msg.DequeueCount),
		p.AppHandle,
		p.FollowerKeyUserHandle,
		p.FollowingUserHandle,
	)
}
