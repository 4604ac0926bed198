package workers

import (
	"context"
	"errors"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Likes applies like and unlike updates, skipping any that are older than
// the stored state.
type Likes struct {
	likes managers.LikesManager
}

func NewLikes(likes managers.LikesManager) *Likes {
	return &Likes{likes: likes}
}

func (w *Likes) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.Like)
	if !ok {
		return unhandled(ctx, messages.QueueLikes, msg)
	}

	current, err := w.likes.ReadLike(ctx, p.ContentHandle, p.UserHandle)
	if err != nil && !errors.Is(err, managers.ErrNotFound) {
		return err
	}

	if current != nil && current.LastUpdatedTime.After(p.LastUpdatedTime) {
		util.Log(ctx).
			WithField("stored_time", current.LastUpdatedTime).
			WithField("message_time", p.LastUpdatedTime).
			Debug("stale like update skipped")
		return nil
	}

	return w.likes.UpdateLike(ctx, managers.ProcessTypeFor(msg.DequeueCount), managers.Like{
		LikeHandle:      p.LikeHandle,
		ContentType:     p.ContentType,
		ContentHandle:   p.ContentHandle,
		UserHandle:      p.UserHandle,
		AppHandle:       p.AppHandle,
		Liked:           p.Liked,
		LastUpdatedTime: p.LastUpdatedTime,
	})
}
