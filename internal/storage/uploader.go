// Package storage pushes captured device images to a public object store
// so the rendering service can fetch them.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/koios/adb-invocation-server/pkg/models"
)

// CacheControl is applied to every uploaded image.
const CacheControl = "public, max-age=3600"

// UploadOptions controls the metadata of a stored object.
type UploadOptions struct {
	Public       bool
	CacheControl string
	ContentType  string
}

// ObjectStore is the minimal cloud storage contract the pipeline needs.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, bucket, key string, opts UploadOptions) error
}

// Uploader uploads every image of a local directory to a bucket prefix.
type Uploader struct {
	store  ObjectStore
	logger *zap.Logger
}

// NewUploader creates an uploader backed by store.
func NewUploader(store ObjectStore, logger *zap.Logger) *Uploader {
	return &Uploader{store: store, logger: logger}
}

// Upload pushes the images directly under dir to bucket/prefix/<file name>,
// publicly readable. Uploads run concurrently; the first failure is returned
// and files already uploaded are left in place.
func (u *Uploader) Upload(ctx context.Context, dir, bucket, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read image directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !models.IsImage(entry.Name()) {
			continue
		}
		u.logger.Debug("Adding file to upload list", zap.String("file", entry.Name()))
		files = append(files, entry.Name())
	}

	// Siblings keep running after a failure.
	var g errgroup.Group
	for _, file := range files {
		key := ObjectKey(prefix, file)
		local := filepath.Join(dir, file)
		g.Go(func() error {
			err := u.store.Upload(ctx, local, bucket, key, UploadOptions{
				Public:       true,
				CacheControl: CacheControl,
				ContentType:  "image/png",
			})
			if err != nil {
				u.logger.Error("Failed to upload file",
					zap.String("file", local),
					zap.String("bucket", bucket),
					zap.String("key", key),
					zap.Error(err))
				return fmt.Errorf("uploading %s to %s/%s: %w", file, bucket, key, err)
			}
			u.logger.Info("Uploaded file",
				zap.String("file", file),
				zap.String("bucket", bucket),
				zap.String("key", key))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(files), nil
}

// ObjectKey joins a bucket prefix and a file name.
func ObjectKey(prefix, file string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return file
	}
	return path.Join(prefix, file)
}
