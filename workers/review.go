package workers

import (
	"context"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

type Reports struct {
	reports managers.ReportsManager
}

func NewReports(reports managers.ReportsManager) *Reports {
	return &Reports{reports: reports}
}

func (w *Reports) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.Report)
	if !ok {
		return unhandled(ctx, messages.QueueReports, msg)
	}

	return w.reports.SubmitReportForReview(ctx,
		managers.ProcessTypeFor(msg.DequeueCount), p.AppHandle, p.ReportHandle, p.CallbackURL)
}

type ResizeImages struct {
	images managers.ImagesManager
}

func NewResizeImages(images managers.ImagesManager) *ResizeImages {
	return &ResizeImages{images: images}
}

func (w *ResizeImages) Process(ctx context.Context, msg *queue.Message) error {
	p, ok := msg.Payload.(*messages.ResizeImage)
	if !ok {
		return unhandled(ctx, messages.QueueResizeImages, msg)
	}

	return w.images.ResizeImage(ctx, managers.ProcessTypeFor(msg.DequeueCount), p.BlobHandle, p.ImageType)
}

// Moderation forwards content, image and user moderation requests.
type Moderation struct {
	moderation managers.ModerationManager
}

func NewModeration(moderation managers.ModerationManager) *Moderation {
	return &Moderation{moderation: moderation}
}

func (w *Moderation) Process(ctx context.Context, msg *queue.Message) error {
	pt := managers.ProcessTypeFor(msg.DequeueCount)

	switch p := msg.Payload.(type) {
	case *messages.ContentModeration:
		return w.moderation.SubmitContentForModeration(ctx, pt, managers.ModerationRequest{
			ModerationHandle: p.ModerationHandle,
			AppHandle:        p.AppHandle,
			ContentType:      p.ContentType,
			ContentHandle:    p.ContentHandle,
		})
	case *messages.ImageModeration:
		return w.moderation.SubmitImageForModeration(ctx, pt, managers.ModerationRequest{
			ModerationHandle: p.ModerationHandle,
			AppHandle:        p.AppHandle,
			BlobHandle:       p.BlobHandle,
			ImageType:        p.ImageType,
			UserHandle:       p.UserHandle,
		})
	case *messages.UserModeration:
		return w.moderation.SubmitUserForModeration(ctx, pt, managers.ModerationRequest{
			ModerationHandle: p.ModerationHandle,
			AppHandle:        p.AppHandle,
			UserHandle:       p.UserHandle,
		})
	default:
		return unhandled(ctx, messages.QueueModeration, msg)
	}
}
