package datastore

import (
	"context"
	"errors"

	"github.com/pitabwire/util"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
)

// notNewerThanExcluded guards an upsert so it never replaces a row whose
// last_updated_time is later than the incoming one.
func notNewerThanExcluded(table string) clause.Where {
	return clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: table + ".last_updated_time <= excluded.last_updated_time"},
	}}
}

func (s *Store) ReadLike(ctx context.Context, contentHandle, userHandle string) (*managers.Like, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var rec LikeRecord
	err = db.Where("content_handle = ? AND user_handle = ?", contentHandle, userHandle).Take(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &managers.Like{
		LikeHandle:      rec.LikeHandle,
		ContentType:     messages.ContentType(rec.ContentType),
		ContentHandle:   rec.ContentHandle,
		UserHandle:      rec.UserHandle,
		AppHandle:       rec.AppHandle,
		Liked:           rec.Liked,
		LastUpdatedTime: rec.LastUpdatedTime,
	}, nil
}

// likeDelta is the change in like count when a like moves from was to now.
func likeDelta(was, now bool) int64 {
	switch {
	case !was && now:
		return 1
	case was && !now:
		return -1
	default:
		return 0
	}
}

func (s *Store) UpdateLike(ctx context.Context, pt managers.ProcessType, like managers.Like) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var existing LikeRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("content_handle = ? AND user_handle = ?", like.ContentHandle, like.UserHandle).
			Take(&existing).Error

		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if found && existing.LastUpdatedTime.After(like.LastUpdatedTime) {
			return nil
		}

		rec := LikeRecord{
			ContentHandle:   like.ContentHandle,
			UserHandle:      like.UserHandle,
			LikeHandle:      like.LikeHandle,
			ContentType:     string(like.ContentType),
			AppHandle:       like.AppHandle,
			Liked:           like.Liked,
			LastUpdatedTime: like.LastUpdatedTime.UTC(),
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_handle"}, {Name: "user_handle"}},
			DoUpdates: clause.AssignmentColumns([]string{"like_handle", "content_type", "app_handle", "liked", "last_updated_time"}),
			Where:     notNewerThanExcluded(rec.TableName()),
		}).Create(&rec)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		delta := likeDelta(found && existing.Liked, like.Liked)
		if delta == 0 {
			return nil
		}

		util.Log(ctx).
			WithField("content_handle", like.ContentHandle).
			WithField("delta", delta).
			WithField("process_type", pt.String()).
			Debug("adjusting like count")

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "content_handle"}},
			DoUpdates: clause.Assignments(map[string]any{
				"likes": gorm.Expr("content_counts.likes + ?", delta),
			}),
		}).Create(&ContentCount{ContentHandle: like.ContentHandle, Likes: delta}).Error
	})
}

// LikeCount returns the number of likes recorded for contentHandle.
func (s *Store) LikeCount(ctx context.Context, contentHandle string) (int64, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return 0, err
	}

	var count ContentCount
	err = db.Where("content_handle = ?", contentHandle).Take(&count).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return count.Likes, err
}

func (s *Store) ReadRelationship(
	ctx context.Context,
	followerKeyUserHandle, followingKeyUserHandle, appHandle string,
) (*managers.Relationship, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var rec RelationshipRecord
	err = db.Where("follower_key_user_handle = ? AND following_key_user_handle = ? AND app_handle = ?",
		followerKeyUserHandle, followingKeyUserHandle, appHandle).
		Take(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}

	return &managers.Relationship{
		RelationshipHandle:     rec.RelationshipHandle,
		FollowerKeyUserHandle:  rec.FollowerKeyUserHandle,
		FollowingKeyUserHandle: rec.FollowingKeyUserHandle,
		AppHandle:              rec.AppHandle,
		Status:                 managers.RelationshipStatus(rec.Status),
		LastUpdatedTime:        rec.LastUpdatedTime,
	}, nil
}

func (s *Store) UpdateRelationship(ctx context.Context, _ managers.ProcessType, rel managers.Relationship) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	rec := RelationshipRecord{
		FollowerKeyUserHandle:  rel.FollowerKeyUserHandle,
		FollowingKeyUserHandle: rel.FollowingKeyUserHandle,
		AppHandle:              rel.AppHandle,
		RelationshipHandle:     rel.RelationshipHandle,
		Status:                 string(rel.Status),
		LastUpdatedTime:        rel.LastUpdatedTime.UTC(),
	}

	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "follower_key_user_handle"},
			{Name: "following_key_user_handle"},
			{Name: "app_handle"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"relationship_handle", "status", "last_updated_time"}),
		Where:     notNewerThanExcluded(rec.TableName()),
	}).Create(&rec).Error
}

// followers lists who follows followingHandle, a user or a topic, in appHandle.
func (s *Store) followers(ctx context.Context, followingHandle, appHandle string) ([]string, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var handles []string
	err = db.Model(&RelationshipRecord{}).
		Where("following_key_user_handle = ? AND app_handle = ? AND status = ?",
			followingHandle, appHandle, string(managers.RelationshipStatusFollow)).
		Pluck("follower_key_user_handle", &handles).Error
	return handles, err
}
