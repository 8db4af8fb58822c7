// Package blob stores raw messages and export artifacts.
package blob

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"roster-pipeline/internal/config"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = eris.New("blob not found")

// Store uploads artifacts and reads them back by the URI Upload returned.
type Store interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// New picks the backend named by BLOB_DRIVER.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.BlobDriver {
	case "local", "":
		return NewLocal(cfg.BlobLocalDir), nil
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.S3Bucket), nil
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket)
	}
	return nil, eris.Errorf("unknown blob driver %q", cfg.BlobDriver)
}

// ReadAll opens and fully reads an object.
func ReadAll(ctx context.Context, s Store, uri string) ([]byte, error) {
	rc, err := s.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", uri)
	}
	return data, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// splitBucketURI parses scheme://bucket/key.
func splitBucketURI(uri, scheme string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, scheme+"://")
	if !ok {
		return "", "", eris.Errorf("not a %s uri: %s", scheme, uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", eris.Errorf("malformed %s uri: %s", scheme, uri)
	}
	return bucket, key, nil
}
