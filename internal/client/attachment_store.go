package client

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// AttachmentStore keeps request attachments under <baseURL>/<requestID>/<name>
// on any afs-supported backend (file://, mem://, s3://, gs://...).
type AttachmentStore struct {
	fs      afs.Service
	baseURL string
}

// NewAttachmentStore creates an AttachmentStore rooted at baseURL.
func NewAttachmentStore(fs afs.Service, baseURL string) *AttachmentStore {
	return &AttachmentStore{fs: fs, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload stores content as name for requestID, replacing any previous file.
func (s *AttachmentStore) Upload(ctx context.Context, requestID, name string, content io.Reader) error {
	location, err := s.location(requestID, name)
	if err != nil {
		return err
	}
	if err := s.fs.Upload(ctx, location, file.DefaultFileOsMode, content); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upload attachment")
	}
	return nil
}

// Download returns the content of an attachment.
func (s *AttachmentStore) Download(ctx context.Context, requestID, name string) ([]byte, error) {
	location, err := s.location(requestID, name)
	if err != nil {
		return nil, err
	}
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check attachment")
	}
	if !exists {
		return nil, errors.NotFound("attachment", name)
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to download attachment")
	}
	return data, nil
}

// List returns the attachments of a request sorted by name.
func (s *AttachmentStore) List(ctx context.Context, requestID string) ([]service.AttachmentObject, error) {
	dir := url.Join(s.baseURL, requestID)
	exists, err := s.fs.Exists(ctx, dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check attachments")
	}
	if !exists {
		return []service.AttachmentObject{}, nil
	}

	objects, err := s.fs.List(ctx, dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list attachments")
	}

	out := make([]service.AttachmentObject, 0, len(objects))
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		out = append(out, service.AttachmentObject{
			Name:       obj.Name(),
			Size:       obj.Size(),
			ModifiedAt: obj.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *AttachmentStore) location(requestID, name string) (string, error) {
	if name == "" || name != path.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `\/`) {
		return "", errors.InvalidInput("name", fmt.Sprintf("invalid attachment name %q", name))
	}
	return url.Join(s.baseURL, requestID, name), nil
}
