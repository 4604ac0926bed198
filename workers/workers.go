// Package workers holds the handlers behind each queue category.
package workers

import (
	"context"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Managers are the business collaborators the handlers call into.
type Managers struct {
	Activities    managers.ActivitiesManager
	Topics        managers.TopicsManager
	Relationships managers.RelationshipsManager
	Likes         managers.LikesManager
	Users         managers.UsersManager
	Search        managers.SearchManager
	Reports       managers.ReportsManager
	Images        managers.ImagesManager
	Moderation    managers.ModerationManager
}

// Backend is a single store serving every manager.
type Backend interface {
	managers.ActivitiesManager
	managers.TopicsManager
	managers.RelationshipsManager
	managers.LikesManager
	managers.UsersManager
	managers.SearchManager
	managers.ReportsManager
	managers.ImagesManager
	managers.ModerationManager
}

func ManagersFrom(b Backend) Managers {
	return Managers{
		Activities:    b,
		Topics:        b,
		Relationships: b,
		Likes:         b,
		Users:         b,
		Search:        b,
		Reports:       b,
		Images:        b,
		Moderation:    b,
	}
}

// unhandled logs a payload the handler has no case for. It returns nil so the
// message is completed instead of cycling until it dead-letters.
func unhandled(ctx context.Context, handler string, msg *queue.Message) error {
	log := util.Log(ctx).WithField("handler", handler).WithField("kind", msg.Kind().String())

	if u, ok := msg.Payload.(*messages.Unrecognized); ok {
		log = log.WithField("body_size", len(u.Body))
		if u.Err != nil {
			log = log.WithError(u.Err)
		}
	}

	log.Error("unrecognized message dropped")
	return nil
}
