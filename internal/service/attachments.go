package service

import (
	"context"
	"io"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// WithAttachmentStore wires the attachment collaborator.
func WithAttachmentStore(store AttachmentStore) Option {
	return func(s *ApprovalService) {
		s.attachments = store
	}
}

// UploadAttachment stores a file against an existing request.
func (s *ApprovalService) UploadAttachment(ctx context.Context, requestID, name string, content io.Reader) error {
	if err := s.attachmentTarget(ctx, requestID); err != nil {
		return err
	}
	if err := s.attachments.Upload(ctx, requestID, name, content); err != nil {
		return err
	}
	s.log.Info().
		Str("request_id", requestID).
		Str("attachment", name).
		Msg("Attachment uploaded")
	return nil
}

// DownloadAttachment reads a file stored against a request.
func (s *ApprovalService) DownloadAttachment(ctx context.Context, requestID, name string) ([]byte, error) {
	if err := s.attachmentTarget(ctx, requestID); err != nil {
		return nil, err
	}
	return s.attachments.Download(ctx, requestID, name)
}

// ListAttachments lists the files stored against a request.
func (s *ApprovalService) ListAttachments(ctx context.Context, requestID string) ([]AttachmentObject, error) {
	if err := s.attachmentTarget(ctx, requestID); err != nil {
		return nil, err
	}
	return s.attachments.List(ctx, requestID)
}

func (s *ApprovalService) attachmentTarget(ctx context.Context, requestID string) error {
	if s.attachments == nil {
		return errors.New(errors.ErrCodeInternal, "attachment storage is not configured")
	}
	_, err := s.GetRequest(ctx, requestID)
	return err
}
