package messages

import (
	"time"
)

// Kind is the type tag written next to every encoded payload.
type Kind string

const (
	KindFanoutActivity      Kind = "fanout-activity"
	KindFanoutTopicActivity Kind = "fanout-topic-activity"
	KindFanoutTopic         Kind = "fanout-topic"
	KindFollowingImport     Kind = "following-import"
	KindLike                Kind = "like"
	KindRelationship        Kind = "relationship"
	KindReport              Kind = "report"
	KindResizeImage         Kind = "resize-image"
	KindSearchIndexTopic    Kind = "search-index-topic"
	KindSearchRemoveTopic   Kind = "search-remove-topic"
	KindSearchIndexUser     Kind = "search-index-user"
	KindSearchRemoveUser    Kind = "search-remove-user"
	KindContentModeration   Kind = "content-moderation"
	KindImageModeration     Kind = "image-moderation"
	KindUserModeration      Kind = "user-moderation"
)

func (k Kind) String() string {
	return string(k)
}

// Payload is implemented by every message variant. The set is closed: only the
// types in this package are registered with DefaultRegistry.
type Payload interface {
	Kind() Kind
}

type ContentType string

const (
	ContentTypeUnknown ContentType = "unknown"
	ContentTypeTopic   ContentType = "topic"
	ContentTypeComment ContentType = "comment"
	ContentTypeReply   ContentType = "reply"
)

type ActivityType string

const (
	ActivityTypeLike          ActivityType = "like"
	ActivityTypeComment       ActivityType = "comment"
	ActivityTypeReply         ActivityType = "reply"
	ActivityTypeCommentPeer   ActivityType = "comment-peer"
	ActivityTypeReplyPeer     ActivityType = "reply-peer"
	ActivityTypeFollowing     ActivityType = "following"
	ActivityTypeFollowRequest ActivityType = "follow-request"
	ActivityTypeFollowAccept  ActivityType = "follow-accept"
)

type RelationshipOperation string

const (
	RelationshipFollow         RelationshipOperation = "follow"
	RelationshipUnfollow       RelationshipOperation = "unfollow"
	RelationshipFollowRequest  RelationshipOperation = "follow-request"
	RelationshipFollowAccept   RelationshipOperation = "follow-accept"
	RelationshipFollowReject   RelationshipOperation = "follow-reject"
	RelationshipBlock          RelationshipOperation = "block"
	RelationshipUnblock        RelationshipOperation = "unblock"
	RelationshipRemoveFollower RelationshipOperation = "remove-follower"
)

type ImageType string

const (
	ImageTypeUserPhoto   ImageType = "user-photo"
	ImageTypeContentBlob ImageType = "content-blob"
	ImageTypeAppIcon     ImageType = "app-icon"
)

type PublisherType string

const (
	PublisherTypeUser PublisherType = "user"
	PublisherTypeApp  PublisherType = "app"
)

// FanoutActivity delivers one activity into the feeds of a user's followers.
type FanoutActivity struct {
	UserHandle           string       `json:"user_handle"`
	AppHandle            string       `json:"app_handle"`
	ActivityHandle       string       `json:"activity_handle"`
	ActivityType         ActivityType `json:"activity_type"`
	ActorUserHandle      string       `json:"actor_user_handle"`
	ActedOnUserHandle    string       `json:"acted_on_user_handle,omitempty"`
	ActedOnContentType   ContentType  `json:"acted_on_content_type,omitempty"`
	ActedOnContentHandle string       `json:"acted_on_content_handle,omitempty"`
	CreatedTime          time.Time    `json:"created_time"`
}

func (*FanoutActivity) Kind() Kind { return KindFanoutActivity }

// FanoutTopicActivity delivers one activity into the feeds of a topic's followers.
type FanoutTopicActivity struct {
	TopicHandle          string       `json:"topic_handle"`
	AppHandle            string       `json:"app_handle"`
	ActivityHandle       string       `json:"activity_handle"`
	ActivityType         ActivityType `json:"activity_type"`
	ActorUserHandle      string       `json:"actor_user_handle"`
	ActedOnUserHandle    string       `json:"acted_on_user_handle,omitempty"`
	ActedOnContentType   ContentType  `json:"acted_on_content_type,omitempty"`
	ActedOnContentHandle string       `json:"acted_on_content_handle,omitempty"`
	CreatedTime          time.Time    `json:"created_time"`
}

func (*FanoutTopicActivity) Kind() Kind { return KindFanoutTopicActivity }

// FanoutTopic copies a newly created topic into the publisher's followers feeds.
type FanoutTopic struct {
	UserHandle  string `json:"user_handle"`
	AppHandle   string `json:"app_handle"`
	TopicHandle string `json:"topic_handle"`
}

func (*FanoutTopic) Kind() Kind { return KindFanoutTopic }

// FollowingImport backfills a follower's feed with the topics of a newly followed user.
type FollowingImport struct {
	AppHandle             string `json:"app_handle"`
	FollowerKeyUserHandle string `json:"follower_key_user_handle"`
	FollowingUserHandle   string `json:"following_user_handle"`
}

func (*FollowingImport) Kind() Kind { return KindFollowingImport }

// Like propagates a like or unlike into the counters and feeds that depend on it.
type Like struct {
	LikeHandle           string        `json:"like_handle"`
	ContentType          ContentType   `json:"content_type"`
	ContentHandle        string        `json:"content_handle"`
	UserHandle           string        `json:"user_handle"`
	AppHandle            string        `json:"app_handle"`
	Liked                bool          `json:"liked"`
	ContentPublisherType PublisherType `json:"content_publisher_type,omitempty"`
	ContentUserHandle    string        `json:"content_user_handle,omitempty"`
	ContentCreatedTime   time.Time     `json:"content_created_time"`
	LastUpdatedTime      time.Time     `json:"last_updated_time"`
}

func (*Like) Kind() Kind { return KindLike }

// Relationship propagates a change between two users to the reverse side of the graph.
type Relationship struct {
	RelationshipOperation  RelationshipOperation `json:"relationship_operation"`
	RelationshipHandle     string                `json:"relationship_handle"`
	FollowerKeyUserHandle  string                `json:"follower_key_user_handle"`
	FollowingKeyUserHandle string                `json:"following_key_user_handle"`
	AppHandle              string                `json:"app_handle"`
	LastUpdatedTime        time.Time             `json:"last_updated_time"`
}

func (*Relationship) Kind() Kind { return KindRelationship }

// Report submits a user or content report for review.
type Report struct {
	AppHandle    string `json:"app_handle"`
	ReportHandle string `json:"report_handle"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

func (*Report) Kind() Kind { return KindReport }

// ResizeImage produces the size variants of an uploaded image.
type ResizeImage struct {
	BlobHandle string    `json:"blob_handle"`
	ImageType  ImageType `json:"image_type"`
}

func (*ResizeImage) Kind() Kind { return KindResizeImage }

type SearchIndexTopic struct {
	TopicHandle string `json:"topic_handle"`
}

func (*SearchIndexTopic) Kind() Kind { return KindSearchIndexTopic }

type SearchRemoveTopic struct {
	TopicHandle string `json:"topic_handle"`
}

func (*SearchRemoveTopic) Kind() Kind { return KindSearchRemoveTopic }

type SearchIndexUser struct {
	UserHandle string `json:"user_handle"`
	AppHandle  string `json:"app_handle"`
}

func (*SearchIndexUser) Kind() Kind { return KindSearchIndexUser }

type SearchRemoveUser struct {
	UserHandle string `json:"user_handle"`
	AppHandle  string `json:"app_handle"`
}

func (*SearchRemoveUser) Kind() Kind { return KindSearchRemoveUser }

// ContentModeration submits a topic, comment or reply for moderation.
type ContentModeration struct {
	AppHandle        string      `json:"app_handle"`
	ModerationHandle string      `json:"moderation_handle"`
	ContentType      ContentType `json:"content_type"`
	ContentHandle    string      `json:"content_handle"`
}

func (*ContentModeration) Kind() Kind { return KindContentModeration }

// ImageModeration submits an uploaded image for moderation.
type ImageModeration struct {
	AppHandle        string    `json:"app_handle"`
	ModerationHandle string    `json:"moderation_handle"`
	BlobHandle       string    `json:"blob_handle"`
	ImageType        ImageType `json:"image_type"`
	UserHandle       string    `json:"user_handle"`
}

func (*ImageModeration) Kind() Kind { return KindImageModeration }

// UserModeration submits a user profile for moderation.
type UserModeration struct {
	AppHandle        string `json:"app_handle"`
	ModerationHandle string `json:"moderation_handle"`
	UserHandle       string `json:"user_handle"`
}

func (*UserModeration) Kind() Kind { return KindUserModeration }

// Unrecognized stands in for a body whose tag is unknown or whose content could
// not be decoded. It is produced on receive only and can never be sent.
type Unrecognized struct {
	Tag  Kind
	Body []byte
	Err  error
}

func (u *Unrecognized) Kind() Kind {
	if u == nil {
		return ""
	}
	return u.Tag
}
