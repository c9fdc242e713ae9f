package export

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes records to a Google Cloud Storage bucket.
type GCSSink struct {
	bucket *storage.BucketHandle
}

// NewGCSSink builds a sink from ambient Google credentials.
func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: gcs client: %w", err)
	}
	return &GCSSink{bucket: client.Bucket(bucket)}, nil
}

func (g *GCSSink) Put(ctx context.Context, key string, payload []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}
