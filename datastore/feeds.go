package datastore

import (
	"context"
	"errors"

	"github.com/pitabwire/util"
	"gorm.io/gorm/clause"

	"github.com/embeddedsocial/pipeline/managers"
)

// insertFeedEntries adds entries, leaving any that already exist untouched so
// a repeated fan-out converges.
func (s *Store) insertFeedEntries(ctx context.Context, entries []FeedEntry) error {
	if len(entries) == 0 {
		return nil
	}

	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(entries, insertBatchSize).Error
}

func activityEntry(owner string, a managers.Activity) FeedEntry {
	return FeedEntry{
		OwnerHandle:          owner,
		AppHandle:            a.AppHandle,
		FeedType:             FeedTypeActivity,
		ItemHandle:           a.ActivityHandle,
		ActivityType:         string(a.ActivityType),
		ActorUserHandle:      a.ActorUserHandle,
		ActedOnUserHandle:    a.ActedOnUserHandle,
		ActedOnContentType:   string(a.ActedOnContentType),
		ActedOnContentHandle: a.ActedOnContentHandle,
		CreatedTime:          a.CreatedTime.UTC(),
	}
}

func (s *Store) fanoutActivity(ctx context.Context, pt managers.ProcessType, source string, a managers.Activity) error {
	followers, err := s.followers(ctx, source, a.AppHandle)
	if err != nil {
		return err
	}

	entries := make([]FeedEntry, 0, len(followers))
	for _, follower := range followers {
		entries = append(entries, activityEntry(follower, a))
	}

	util.Log(ctx).
		WithField("source", source).
		WithField("followers", len(followers)).
		WithField("process_type", pt.String()).
		Debug("fanning out activity")

	return s.insertFeedEntries(ctx, entries)
}

func (s *Store) FanoutActivity(ctx context.Context, pt managers.ProcessType, userHandle string, a managers.Activity) error {
	return s.fanoutActivity(ctx, pt, userHandle, a)
}

// FanoutTopicActivity treats a topic's followers as relationships whose
// following key is the topic handle.
func (s *Store) FanoutTopicActivity(ctx context.Context, pt managers.ProcessType, topicHandle string, a managers.Activity) error {
	return s.fanoutActivity(ctx, pt, topicHandle, a)
}

func (s *Store) FanoutTopic(ctx context.Context, _ managers.ProcessType, userHandle, appHandle, topicHandle string) error {
	topic, err := s.ReadTopic(ctx, topicHandle)
	if errors.Is(err, managers.ErrNotFound) {
		util.Log(ctx).WithField("topic_handle", topicHandle).Info("topic deleted before fan-out")
		return nil
	}
	if err != nil {
		return err
	}

	followers, err := s.followers(ctx, userHandle, appHandle)
	if err != nil {
		return err
	}

	entries := make([]FeedEntry, 0, len(followers))
	for _, follower := range followers {
		entries = append(entries, FeedEntry{
			OwnerHandle:     follower,
			AppHandle:       appHandle,
			FeedType:        FeedTypeTopic,
			ItemHandle:      topicHandle,
			ActorUserHandle: userHandle,
			CreatedTime:     topic.CreatedTime.UTC(),
		})
	}

	return s.insertFeedEntries(ctx, entries)
}

func (s *Store) ImportFollowing(
	ctx context.Context,
	_ managers.ProcessType,
	appHandle, followerKeyUserHandle, followingUserHandle string,
) error {
	db, err := s.reader(ctx)
	if err != nil {
		return err
	}

	var topics []TopicRecord
	err = db.Where("user_handle = ? AND app_handle = ?", followingUserHandle, appHandle).
		Order("created_time").
		Find(&topics).Error
	if err != nil {
		return err
	}

	entries := make([]FeedEntry, 0, len(topics))
	for _, t := range topics {
		entries = append(entries, FeedEntry{
			OwnerHandle:     followerKeyUserHandle,
			AppHandle:       appHandle,
			FeedType:        FeedTypeTopic,
			ItemHandle:      t.TopicHandle,
			ActorUserHandle: followingUserHandle,
			CreatedTime:     t.CreatedTime.UTC(),
		})
	}

	return s.insertFeedEntries(ctx, entries)
}

// Feed returns the entries of ownerHandle's feed, newest first.
func (s *Store) Feed(ctx context.Context, ownerHandle, appHandle string, limit int) ([]FeedEntry, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var entries []FeedEntry
	err = db.Where("owner_handle = ? AND app_handle = ?", ownerHandle, appHandle).
		Order("created_time DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
