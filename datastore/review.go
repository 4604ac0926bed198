package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
)

// Moderation subjects.
const (
	SubjectContent = "content"
	SubjectImage   = "image"
	SubjectUser    = "user"
)

//nolint:gochecknoglobals // fixed size table
var imageSizes = map[messages.ImageType][]string{
	messages.ImageTypeUserPhoto:   {"d", "h", "l", "p"},
	messages.ImageTypeContentBlob: {"d", "g", "h", "l"},
	messages.ImageTypeAppIcon:     {"l"},
}

func (s *Store) insertOnce(ctx context.Context, value any) error {
	db, err := s.writer(ctx)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(value).Error
}

func (s *Store) SubmitReportForReview(
	ctx context.Context,
	_ managers.ProcessType,
	appHandle, reportHandle, callbackURL string,
) error {
	return s.insertOnce(ctx, &ReportReview{
		ReportHandle:  reportHandle,
		AppHandle:     appHandle,
		CallbackURL:   callbackURL,
		Status:        statusSubmitted,
		SubmittedTime: time.Now().UTC(),
	})
}

// ResizeImage records one pending variant per size of imageType.
func (s *Store) ResizeImage(ctx context.Context, _ managers.ProcessType, blobHandle string, imageType messages.ImageType) error {
	sizes, ok := imageSizes[imageType]
	if !ok {
		return fmt.Errorf("no sizes defined for image type %q", imageType)
	}

	now := time.Now().UTC()
	variants := make([]ImageVariant, 0, len(sizes))
	for _, size := range sizes {
		variants = append(variants, ImageVariant{
			BlobHandle:    blobHandle,
			Size:          size,
			ImageType:     string(imageType),
			Status:        statusSubmitted,
			RequestedTime: now,
		})
	}

	return s.insertOnce(ctx, &variants)
}

func (s *Store) submitModeration(ctx context.Context, subject string, req managers.ModerationRequest) error {
	return s.insertOnce(ctx, &ModerationRecord{
		ModerationHandle: req.ModerationHandle,
		Subject:          subject,
		AppHandle:        req.AppHandle,
		ContentType:      string(req.ContentType),
		ContentHandle:    req.ContentHandle,
		BlobHandle:       req.BlobHandle,
		ImageType:        string(req.ImageType),
		UserHandle:       req.UserHandle,
		Status:           statusSubmitted,
		SubmittedTime:    time.Now().UTC(),
	})
}

func (s *Store) SubmitContentForModeration(ctx context.Context, _ managers.ProcessType, req managers.ModerationRequest) error {
	return s.submitModeration(ctx, SubjectContent, req)
}

func (s *Store) SubmitImageForModeration(ctx context.Context, _ managers.ProcessType, req managers.ModerationRequest) error {
	return s.submitModeration(ctx, SubjectImage, req)
}

func (s *Store) SubmitUserForModeration(ctx context.Context, _ managers.ProcessType, req managers.ModerationRequest) error {
	return s.submitModeration(ctx, SubjectUser, req)
}
