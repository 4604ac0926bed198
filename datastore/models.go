package datastore

import (
	"time"
)

// Feed entry types.
const (
	FeedTypeActivity = "activity"
	FeedTypeTopic    = "topic"
)

// Search document types.
const (
	DocumentTypeTopic = "topic"
	DocumentTypeUser  = "user"
)

const statusSubmitted = "submitted"

type LikeRecord struct {
	ContentHandle   string `gorm:"primaryKey;type:varchar(64)"`
	UserHandle      string `gorm:"primaryKey;type:varchar(64)"`
	LikeHandle      string `gorm:"type:varchar(64)"`
	ContentType     string `gorm:"type:varchar(16)"`
	AppHandle       string `gorm:"type:varchar(64);index"`
	Liked           bool
	LastUpdatedTime time.Time `gorm:"not null"`
}

func (LikeRecord) TableName() string { return "likes" }

type ContentCount struct {
	ContentHandle string `gorm:"primaryKey;type:varchar(64)"`
	Likes         int64  `gorm:"not null;default:0"`
}

func (ContentCount) TableName() string { return "content_counts" }

// RelationshipRecord rows are kept after an unfollow so later stale updates
// still find the newer timestamp.
type RelationshipRecord struct {
	FollowerKeyUserHandle  string `gorm:"primaryKey;type:varchar(64)"`
	FollowingKeyUserHandle string `gorm:"primaryKey;type:varchar(64);index:idx_relationships_following,priority:1"`
	AppHandle              string `gorm:"primaryKey;type:varchar(64);index:idx_relationships_following,priority:2"`
	RelationshipHandle     string `gorm:"type:varchar(64)"`
	Status                 string `gorm:"type:varchar(16);index:idx_relationships_following,priority:3"`
	LastUpdatedTime        time.Time `gorm:"not null"`
}

func (RelationshipRecord) TableName() string { return "relationships" }

type TopicRecord struct {
	TopicHandle     string `gorm:"primaryKey;type:varchar(64)"`
	AppHandle       string `gorm:"type:varchar(64);index:idx_topics_user,priority:2"`
	UserHandle      string `gorm:"type:varchar(64);index:idx_topics_user,priority:1"`
	Title           string
	Text            string
	Categories      string
	CreatedTime     time.Time
	LastUpdatedTime time.Time
}

func (TopicRecord) TableName() string { return "topics" }

type UserProfileRecord struct {
	UserHandle      string `gorm:"primaryKey;type:varchar(64)"`
	AppHandle       string `gorm:"primaryKey;type:varchar(64)"`
	FirstName       string
	LastName        string
	Bio             string
	LastUpdatedTime time.Time
}

func (UserProfileRecord) TableName() string { return "user_profiles" }

type FeedEntry struct {
	OwnerHandle          string `gorm:"primaryKey;type:varchar(64)"`
	AppHandle            string `gorm:"primaryKey;type:varchar(64)"`
	FeedType             string `gorm:"primaryKey;type:varchar(16)"`
	ItemHandle           string `gorm:"primaryKey;type:varchar(64)"`
	ActivityType         string `gorm:"type:varchar(32)"`
	ActorUserHandle      string `gorm:"type:varchar(64)"`
	ActedOnUserHandle    string `gorm:"type:varchar(64)"`
	ActedOnContentType   string `gorm:"type:varchar(16)"`
	ActedOnContentHandle string `gorm:"type:varchar(64)"`
	CreatedTime          time.Time
}

func (FeedEntry) TableName() string { return "feed_entries" }

type SearchDocument struct {
	DocumentType string `gorm:"primaryKey;type:varchar(16)"`
	Handle       string `gorm:"primaryKey;type:varchar(64)"`
	AppHandle    string `gorm:"type:varchar(64);index"`
	Content      string
	IndexedTime  time.Time
}

func (SearchDocument) TableName() string { return "search_documents" }

type ReportReview struct {
	ReportHandle  string `gorm:"primaryKey;type:varchar(64)"`
	AppHandle     string `gorm:"type:varchar(64)"`
	CallbackURL   string
	Status        string `gorm:"type:varchar(16)"`
	SubmittedTime time.Time
}

func (ReportReview) TableName() string { return "report_reviews" }

type ModerationRecord struct {
	ModerationHandle string `gorm:"primaryKey;type:varchar(64)"`
	Subject          string `gorm:"type:varchar(16)"`
	AppHandle        string `gorm:"type:varchar(64)"`
	ContentType      string `gorm:"type:varchar(16)"`
	ContentHandle    string `gorm:"type:varchar(64)"`
	BlobHandle       string `gorm:"type:varchar(64)"`
	ImageType        string `gorm:"type:varchar(16)"`
	UserHandle       string `gorm:"type:varchar(64)"`
	Status           string `gorm:"type:varchar(16)"`
	SubmittedTime    time.Time
}

func (ModerationRecord) TableName() string { return "moderation_requests" }

type ImageVariant struct {
	BlobHandle    string `gorm:"primaryKey;type:varchar(64)"`
	Size          string `gorm:"primaryKey;type:varchar(8)"`
	ImageType     string `gorm:"type:varchar(16)"`
	Status        string `gorm:"type:varchar(16)"`
	RequestedTime time.Time
}

func (ImageVariant) TableName() string { return "image_variants" }

// Models lists every table the store owns.
func Models() []any {
	return []any{
		&LikeRecord{},
		&ContentCount{},
		&RelationshipRecord{},
		&TopicRecord{},
		&UserProfileRecord{},
		&FeedEntry{},
		&SearchDocument{},
		&ReportReview{},
		&ModerationRecord{},
		&ImageVariant{},
	}
}
