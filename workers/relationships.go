package workers

import (
	"context"
	"errors"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Relationships applies follow graph changes, skipping any that are older
// than the stored edge.
type Relationships struct {
	relationships managers.RelationshipsManager
}

func NewRelationships(relationships managers.RelationshipsManager) *Relationships {
	return &Relationships{relationships: relationships}
}

func (w *Relationships) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.Relationship)
	if !ok {
		return unhandled(ctx, messages.QueueRelationships, msg)
	}

	current, err := w.relationships.ReadRelationship(ctx, p.FollowerKeyUserHandle, p.FollowingKeyUserHandle, p.AppHandle)
	if err != nil && !errors.Is(err, managers.ErrNotFound) {
		return err
	}

	if current != nil && current.LastUpdatedTime.After(p.LastUpdatedTime) {
		util.Log(ctx).
			WithField("operation", string(p.RelationshipOperation)).
			WithField("stored_time", current.LastUpdatedTime).
			WithField("message_time", p.LastUpdatedTime).
			Debug("stale relationship update skipped")
		return nil
	}

	return w.relationships.UpdateRelationship(ctx, managers.ProcessTypeFor(msg.DequeueCount), managers.Relationship{
		RelationshipHandle:     p.RelationshipHandle,
		FollowerKeyUserHandle:  p.FollowerKeyUserHandle,
		FollowingKeyUserHandle: p.FollowingKeyUserHandle,
		AppHandle:              p.AppHandle,
		Status:                 managers.StatusFor(p.RelationshipOperation),
		LastUpdatedTime:        p.LastUpdatedTime,
	})
}
