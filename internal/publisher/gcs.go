package publisher

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/loqalabs/loqa-readaloud/internal/config"
	"google.golang.org/api/option"
)

// GCSStore writes objects to a Google Cloud Storage bucket. The object only
// becomes visible when the writer closes successfully.
type GCSStore struct {
	client     *storage.Client
	bucket     string
	publicRead bool
}

func NewGCSStore(ctx context.Context, cfg config.PublisherConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(cfg.ProjectID))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, publicRead: cfg.PublicRead}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, src io.Reader, contentType string, metadata map[string]string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	if s.publicRead {
		w.PredefinedACL = "publicRead"
	}
	if _, err := io.Copy(w, src); err != nil {
		// cancelling before Close abandons the upload
		cancel()
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return objectURL(s.bucket, key), nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func objectURL(bucket, key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, key)
}
