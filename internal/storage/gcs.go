package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCSStore uploads objects to Google Cloud Storage using application
// default credentials.
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a store with a new GCS client.
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// Upload streams localPath to bucket/key.
func (s *GCSStore) Upload(ctx context.Context, localPath, bucket, key string, opts UploadOptions) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.CacheControl = opts.CacheControl
	w.ContentType = opts.ContentType
	if opts.Public {
		w.PredefinedACL = "publicRead"
	}

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// UnavailableStore fails every upload with the error that prevented the
// real store from being created.
type UnavailableStore struct {
	Err error
}

func (s UnavailableStore) Upload(context.Context, string, string, string, UploadOptions) error {
	return fmt.Errorf("object store unavailable: %w", s.Err)
}
