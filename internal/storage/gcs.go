package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSFiles stores documents as objects in a Cloud Storage bucket.
type GCSFiles struct {
	client         *storage.Client
	bucket         *storage.BucketHandle
	prefix         string
	maxUploadBytes int64
}

func NewGCSFiles(ctx context.Context, bucket string, maxUploadBytes int64) (*GCSFiles, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSFiles{
		client:         client,
		bucket:         client.Bucket(bucket),
		prefix:         "documents/",
		maxUploadBytes: maxUploadBytes,
	}, nil
}

// Save writes the object only if it does not exist yet, so a retried upload of
// the same key is a no-op.
func (g *GCSFiles) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}

	obj := g.bucket.Object(g.prefix + key)
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)

	src := r
	if g.maxUploadBytes > 0 {
		src = io.LimitReader(r, g.maxUploadBytes+1)
	}
	total, err := io.Copy(writer, src)
	if err == nil && g.maxUploadBytes > 0 && total > g.maxUploadBytes {
		// cancelling before Close aborts the upload
		cancel()
		_ = writer.Close()
		return 0, ErrFileTooLarge
	}
	if err == nil {
		err = writer.Close()
	} else {
		_ = writer.Close()
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		attrs, aerr := obj.Attrs(ctx)
		if aerr != nil {
			return 0, fmt.Errorf("stat existing object %s: %w", key, aerr)
		}
		return attrs.Size, nil
	}
	if err != nil {
		return 0, fmt.Errorf("write object %s: %w", key, err)
	}
	return total, nil
}

func (g *GCSFiles) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	rc, err := g.bucket.Object(g.prefix + key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return rc, nil
}

func (g *GCSFiles) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := g.bucket.Object(g.prefix + key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (g *GCSFiles) Close() error {
	return g.client.Close()
}
