package workers

import (
	"context"
	"errors"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Search keeps the search index in line with topics and user profiles.
type Search struct {
	search managers.SearchManager
	topics managers.TopicsManager
	users  managers.UsersManager
}

func NewSearch(search managers.SearchManager, topics managers.TopicsManager, users managers.UsersManager) *Search {
	return &Search{search: search, topics: topics, users: users}
}

func (w *Search) Process(ctx context.Context, msg *queue.Message) error {
	switch p := msg.Payload.(type) {
	case *messages.SearchIndexTopic:
		topic, err := w.topics.ReadTopic(ctx, p.TopicHandle)
		if errors.Is(err, managers.ErrNotFound) || (err == nil && topic == nil) {
			util.Log(ctx).WithField("topic_handle", p.TopicHandle).Info("topic gone, nothing to index")
			return nil
		}
		if err != nil {
			return err
		}
		return w.search.IndexTopic(ctx, topic)

	case *messages.SearchRemoveTopic:
		return w.search.RemoveTopic(ctx, p.TopicHandle)

	case *messages.SearchIndexUser:
		profile, err := w.users.ReadUserProfile(ctx, p.UserHandle, p.AppHandle)
		if errors.Is(err, managers.ErrNotFound) || (err == nil && profile == nil) {
			util.Log(ctx).
				WithField("user_handle", p.UserHandle).
				WithField("app_handle", p.AppHandle).
				Info("user profile gone, nothing to index")
			return nil
		}
		if err != nil {
			return err
		}
		return w.search.IndexUser(ctx, profile)

	case *messages.SearchRemoveUser:
		return w.search.RemoveUser(ctx, p.UserHandle, p.AppHandle)

	default:
		return unhandled(ctx, messages.QueueSearch, msg)
	}
}
