package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCSTarget uploads objects to a single GCS bucket under a key prefix.
type GCSTarget struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSTarget builds a GCSTarget using the default application credentials
// resolution chain.
func NewGCSTarget(ctx context.Context, bucket, prefix string) (*GCSTarget, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSTarget{client: client, bucket: bucket, prefix: prefix}, nil
}

// PutObject implements Target.
func (t *GCSTarget) PutObject(ctx context.Context, key string, r *os.File, size int64) error {
	fullKey := key
	if t.prefix != "" {
		fullKey = t.prefix + "/" + key
	}
	w := t.client.Bucket(t.bucket).Object(fullKey).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: write %s: %w", fullKey, err)
	}
	return w.Close()
}

// Close releases the underlying GCS client.
func (t *GCSTarget) Close() error {
	return t.client.Close()
}
