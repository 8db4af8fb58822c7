package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/googleapi"
)

// GCS stores objects in one bucket. Writes never overwrite: keys carry a
// unique id, so an existing object means a retried upload already landed.
type GCS struct {
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "create gcs client")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	uri := fmt.Sprintf("gs://%s/%s", g.bucket, key)
	w := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		_ = w.Close()
		if preconditionFailed(err) {
			return uri, nil
		}
		return "", eris.Wrapf(err, "write %s", uri)
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return uri, nil
		}
		return "", eris.Wrapf(err, "finalize %s", uri)
	}
	return uri, nil
}

func (g *GCS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := splitBucketURI(uri, "gs")
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "%s", uri)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", uri)
	}
	return r, nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
