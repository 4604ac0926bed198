// Package managers declares the business operations the queue workers drive.
// Implementations live elsewhere; the datastore package provides a reference one.
package managers

import (
	"context"
	"errors"
	"time"

	"github.com/embeddedsocial/pipeline/messages"
)

// ErrNotFound is returned by reads when the entity does not exist.
var ErrNotFound = errors.New("entity not found")

// ProcessType tells business logic whether it runs for the first delivery of a
// message or for a redelivery.
type ProcessType int

const (
	ProcessTypeFrontend ProcessType = iota
	ProcessTypeBackend
	ProcessTypeBackendRetry
)

func (p ProcessType) String() string {
	switch p {
	case ProcessTypeFrontend:
		return "frontend"
	case ProcessTypeBackend:
		return "backend"
	case ProcessTypeBackendRetry:
		return "backend-retry"
	default:
		return "unknown"
	}
}

// ProcessTypeFor maps a dequeue count to Backend on first delivery and to
// BackendRetry afterwards.
func ProcessTypeFor(dequeueCount int) ProcessType {
	if dequeueCount <= 1 {
		return ProcessTypeBackend
	}
	return ProcessTypeBackendRetry
}

type RelationshipStatus string

const (
	RelationshipStatusNone    RelationshipStatus = "none"
	RelationshipStatusFollow  RelationshipStatus = "follow"
	RelationshipStatusPending RelationshipStatus = "pending"
	RelationshipStatusBlock   RelationshipStatus = "block"
)

// StatusFor returns the edge status an operation leaves behind.
func StatusFor(op messages.RelationshipOperation) RelationshipStatus {
	switch op {
	case messages.RelationshipFollow, messages.RelationshipFollowAccept:
		return RelationshipStatusFollow
	case messages.RelationshipFollowRequest:
		return RelationshipStatusPending
	case messages.RelationshipBlock:
		return RelationshipStatusBlock
	default:
		return RelationshipStatusNone
	}
}

// Like is the persisted state of one user's like on one piece of content.
type Like struct {
	LikeHandle      string
	ContentType     messages.ContentType
	ContentHandle   string
	UserHandle      string
	AppHandle       string
	Liked           bool
	LastUpdatedTime time.Time
}

// Relationship is the edge from a follower to the user or topic it follows.
type Relationship struct {
	RelationshipHandle     string
	FollowerKeyUserHandle  string
	FollowingKeyUserHandle string
	AppHandle              string
	Status                 RelationshipStatus
	LastUpdatedTime        time.Time
}

type Topic struct {
	TopicHandle     string
	AppHandle       string
	UserHandle      string
	Title           string
	Text            string
	Categories      string
	CreatedTime     time.Time
	LastUpdatedTime time.Time
}

type UserProfile struct {
	UserHandle      string
	AppHandle       string
	FirstName       string
	LastName        string
	Bio             string
	LastUpdatedTime time.Time
}

// Activity is one feed event to fan out to followers.
type Activity struct {
	ActivityHandle       string
	AppHandle            string
	ActivityType         messages.ActivityType
	ActorUserHandle      string
	ActedOnUserHandle    string
	ActedOnContentType   messages.ContentType
	ActedOnContentHandle string
	CreatedTime          time.Time
}

type ModerationRequest struct {
	ModerationHandle string
	AppHandle        string
	ContentType      messages.ContentType
	ContentHandle    string
	BlobHandle       string
	ImageType        messages.ImageType
	UserHandle       string
}

type ActivitiesManager interface {
	// FanoutActivity copies activity into the feed of every follower of userHandle.
	FanoutActivity(ctx context.Context, pt ProcessType, userHandle string, activity Activity) error
	// FanoutTopicActivity copies activity into the feed of every follower of topicHandle.
	FanoutTopicActivity(ctx context.Context, pt ProcessType, topicHandle string, activity Activity) error
}

type TopicsManager interface {
	ReadTopic(ctx context.Context, topicHandle string) (*Topic, error)
	FanoutTopic(ctx context.Context, pt ProcessType, userHandle, appHandle, topicHandle string) error
}

type RelationshipsManager interface {
	ReadRelationship(ctx context.Context, followerKeyUserHandle, followingKeyUserHandle, appHandle string) (*Relationship, error)
	// UpdateRelationship writes rel unless the stored edge is newer.
	UpdateRelationship(ctx context.Context, pt ProcessType, rel Relationship) error
	ImportFollowing(ctx context.Context, pt ProcessType, appHandle, followerKeyUserHandle, followingUserHandle string) error
}

type LikesManager interface {
	ReadLike(ctx context.Context, contentHandle, userHandle string) (*Like, error)
	// UpdateLike writes like and adjusts the content's like count unless the
	// stored like is newer.
	UpdateLike(ctx context.Context, pt ProcessType, like Like) error
}

type UsersManager interface {
	ReadUserProfile(ctx context.Context, userHandle, appHandle string) (*UserProfile, error)
}

type SearchManager interface {
	IndexTopic(ctx context.Context, topic *Topic) error
	RemoveTopic(ctx context.Context, topicHandle string) error
	IndexUser(ctx context.Context, profile *UserProfile) error
	RemoveUser(ctx context.Context, userHandle, appHandle string) error
}

type ReportsManager interface {
	SubmitReportForReview(ctx context.Context, pt ProcessType, appHandle, reportHandle, callbackURL string) error
}

type ImagesManager interface {
	ResizeImage(ctx context.Context, pt ProcessType, blobHandle string, imageType messages.ImageType) error
}

type ModerationManager interface {
	SubmitContentForModeration(ctx context.Context, pt ProcessType, req ModerationRequest) error
	SubmitImageForModeration(ctx context.Context, pt ProcessType, req ModerationRequest) error
	SubmitUserForModeration(ctx context.Context, pt ProcessType, req ModerationRequest) error
}
