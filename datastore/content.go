package datastore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/embeddedsocial/pipeline/managers"
)

func (s *Store) ReadTopic(ctx context.Context, topicHandle string) (*managers.Topic, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var rec TopicRecord
	if err = db.Where("topic_handle = ?", topicHandle).Take(&rec).Error; err != nil {
		return nil, notFound(err)
	}

	return &managers.Topic{
		TopicHandle:     rec.TopicHandle,
		AppHandle:       rec.AppHandle,
		UserHandle:      rec.UserHandle,
		Title:           rec.Title,
		Text:            rec.Text,
		Categories:      rec.Categories,
		CreatedTime:     rec.CreatedTime,
		LastUpdatedTime: rec.LastUpdatedTime,
	}, nil
}

// PutTopic stores topic the way the API layer would on a direct write.
func (s *Store) PutTopic(ctx context.Context, topic managers.Topic) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	return db.Save(&TopicRecord{
		TopicHandle:     topic.TopicHandle,
		AppHandle:       topic.AppHandle,
		UserHandle:      topic.UserHandle,
		Title:           topic.Title,
		Text:            topic.Text,
		Categories:      topic.Categories,
		CreatedTime:     topic.CreatedTime.UTC(),
		LastUpdatedTime: topic.LastUpdatedTime.UTC(),
	}).Error
}

func (s *Store) DeleteTopic(ctx context.Context, topicHandle string) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}
	return db.Where("topic_handle = ?", topicHandle).Delete(&TopicRecord{}).Error
}

func (s *Store) ReadUserProfile(ctx context.Context, userHandle, appHandle string) (*managers.UserProfile, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var rec UserProfileRecord
	if err = db.Where("user_handle = ? AND app_handle = ?", userHandle, appHandle).Take(&rec).Error; err != nil {
		return nil, notFound(err)
	}

	return &managers.UserProfile{
		UserHandle:      rec.UserHandle,
		AppHandle:       rec.AppHandle,
		FirstName:       rec.FirstName,
		LastName:        rec.LastName,
		Bio:             rec.Bio,
		LastUpdatedTime: rec.LastUpdatedTime,
	}, nil
}

func (s *Store) PutUserProfile(ctx context.Context, profile managers.UserProfile) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	return db.Save(&UserProfileRecord{
		UserHandle:      profile.UserHandle,
		AppHandle:       profile.AppHandle,
		FirstName:       profile.FirstName,
		LastName:        profile.LastName,
		Bio:             profile.Bio,
		LastUpdatedTime: profile.LastUpdatedTime.UTC(),
	}).Error
}

func (s *Store) upsertDocument(ctx context.Context, doc SearchDocument) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}

	doc.IndexedTime = time.Now().UTC()
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_type"}, {Name: "handle"}},
		DoUpdates: clause.AssignmentColumns([]string{"app_handle", "content", "indexed_time"}),
	}).Create(&doc).Error
}

func (s *Store) removeDocument(ctx context.Context, documentType, handle string) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}
	return db.Where("document_type = ? AND handle = ?", documentType, handle).Delete(&SearchDocument{}).Error
}

func userDocumentHandle(userHandle, appHandle string) string {
	return appHandle + "/" + userHandle
}

func (s *Store) IndexTopic(ctx context.Context, topic *managers.Topic) error {
	return s.upsertDocument(ctx, SearchDocument{
		DocumentType: DocumentTypeTopic,
		Handle:       topic.TopicHandle,
		AppHandle:    topic.AppHandle,
		Content:      strings.Join([]string{topic.Title, topic.Text, topic.Categories}, "\n"),
	})
}

func (s *Store) RemoveTopic(ctx context.Context, topicHandle string) error {
	return s.removeDocument(ctx, DocumentTypeTopic, topicHandle)
}

func (s *Store) IndexUser(ctx context.Context, profile *managers.UserProfile) error {
	return s.upsertDocument(ctx, SearchDocument{
		DocumentType: DocumentTypeUser,
		Handle:       userDocumentHandle(profile.UserHandle, profile.AppHandle),
		AppHandle:    profile.AppHandle,
		Content:      strings.Join([]string{profile.FirstName, profile.LastName, profile.Bio}, "\n"),
	})
}

func (s *Store) RemoveUser(ctx context.Context, userHandle, appHandle string) error {
	return s.removeDocument(ctx, DocumentTypeUser, userDocumentHandle(userHandle, appHandle))
}

// SearchDocuments returns the documents of documentType whose content contains term.
func (s *Store) SearchDocuments(ctx context.Context, documentType, term string) ([]SearchDocument, error) {
	db, err := s.reader(ctx)
	if err != nil {
		return nil, err
	}

	var docs []SearchDocument
	err = db.Where("document_type = ? AND content ILIKE ?", documentType, "%"+term+"%").
		Order("handle").
		Find(&docs).Error
	return docs, err
}
