package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSBackend stores blobs in a Google Cloud Storage bucket under an
// optional key prefix, mirroring the S3 backend's shape.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS constructs a GCSBackend using application-default credentials.
func NewGCS(ctx context.Context, opts Options) (*GCSBackend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, wrapGCS(err)
	}
	return &GCSBackend{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (g *GCSBackend) key(k string) string {
	if g.prefix == "" {
		return k
	}
	return strings.TrimSuffix(g.prefix, "/") + "/" + k
}

func (g *GCSBackend) bucketHandle() *storage.BucketHandle {
	return g.client.Bucket(g.bucket)
}

func (g *GCSBackend) Init(ctx context.Context) error {
	_, err := g.bucketHandle().Attrs(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return wrapGCS(g.bucketHandle().Create(ctx, "", nil))
	}
	return wrapGCS(err)
}

func (g *GCSBackend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.bucketHandle().Object(g.key(key)).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		return wrapGCS(err)
	}
	return wrapGCS(w.Close())
}

func (g *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucketHandle().Object(g.key(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, wrapGCS(err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCSBackend) Delete(ctx context.Context, key string) error {
	err := g.bucketHandle().Object(g.key(key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return wrapGCS(err)
}

func (g *GCSBackend) List(ctx context.Context, prefix, pageToken string, maxKeys int) ([]string, string, error) {
	it := g.bucketHandle().Objects(ctx, &storage.Query{Prefix: g.key(prefix)})
	pager := iterator.NewPager(it, maxKeys, pageToken)
	var attrs []*storage.ObjectAttrs
	next, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, "", wrapGCS(err)
	}
	trimmedPrefix := ""
	if g.prefix != "" {
		trimmedPrefix = strings.TrimSuffix(g.prefix, "/") + "/"
	}
	keys := make([]string, 0, len(attrs))
	for _, a := range attrs {
		keys = append(keys, strings.TrimPrefix(a.Name, trimmedPrefix))
	}
	return keys, next, nil
}

func (g *GCSBackend) Exists(ctx context.Context) (bool, error) {
	_, err := g.bucketHandle().Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, wrapGCS(err)
	}
	return true, nil
}

func (g *GCSBackend) Close() error {
	return g.client.Close()
}

func wrapGCS(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 429 || gerr.Code == 503 {
			return errors.Join(ErrThrottled, err)
		}
	}
	return err
}
