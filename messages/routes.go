package messages

import (
	"slices"
)

// Queue names, one per logical message category.
const (
	QueueFanoutActivities = "fanout-activities"
	QueueFanoutTopics     = "fanout-topics"
	QueueFollowingImports = "following-imports"
	QueueLikes            = "likes"
	QueueRelationships    = "relationships"
	QueueReports          = "reports"
	QueueResizeImages     = "resize-images"
	QueueSearch           = "search"
	QueueModeration       = "moderation"
)

//nolint:gochecknoglobals // static routing table
var routes = map[string][]Kind{
	QueueFanoutActivities: {KindFanoutActivity, KindFanoutTopicActivity},
	QueueFanoutTopics:     {KindFanoutTopic},
	QueueFollowingImports: {KindFollowingImport},
	QueueLikes:            {KindLike},
	QueueRelationships:    {KindRelationship},
	QueueReports:          {KindReport},
	QueueResizeImages:     {KindResizeImage},
	QueueSearch: {
		KindSearchIndexTopic,
		KindSearchRemoveTopic,
		KindSearchIndexUser,
		KindSearchRemoveUser,
	},
	QueueModeration: {KindContentModeration, KindImageModeration, KindUserModeration},
}

// QueueNames lists every queue in a stable order.
func QueueNames() []string {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// KindsFor returns the payload kinds carried by the named queue.
func KindsFor(queueName string) []Kind {
	return slices.Clone(routes[queueName])
}

// QueueFor returns the queue that carries kind.
func QueueFor(kind Kind) (string, bool) {
	for name, kinds := range routes {
		if slices.Contains(kinds, kind) {
			return name, true
		}
	}
	return "", false
}
