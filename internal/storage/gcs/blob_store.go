// Package gcs uploads pull artifacts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// artifactCacheControl keeps public readers from serving a stale
// last_page.json after the next run overwrites it.
const artifactCacheControl = "no-cache, max-age=0"

// Config names the bucket and an optional object prefix.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// BlobStore uploads artifacts as single-request writes. Every write replaces
// the whole object, so uploads are retried even without a generation
// precondition.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName joins the configured prefix and name.
func (s *BlobStore) ObjectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// URI is the gs:// address of name.
func (s *BlobStore) URI(name string) string {
	return "gs://" + s.name + "/" + s.ObjectName(name)
}

// PutObject uploads data and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	obj := s.bucket.Object(s.ObjectName(name)).Retryer(storage.WithPolicy(storage.RetryAlways))
	w := obj.NewWriter(ctx)
	// Artifacts are small; a zero chunk size sends them in one request.
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = artifactCacheControl

	if _, err := io.Copy(w, r); err != nil {
		// Close aborts the upload; its error adds nothing to the copy failure.
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return s.URI(name), nil
}
