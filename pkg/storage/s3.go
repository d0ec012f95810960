package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// S3Backend stores blobs in an S3-compatible bucket under an optional
// key prefix.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 constructs an S3Backend from opts.Bucket/Region/Prefix, loading
// credentials the standard AWS SDK way (env, shared config, IAM role).
func NewS3(ctx context.Context, opts Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: s3 backend requires a bucket")
	}
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, wrapS3(err)
	}
	return &S3Backend{
		client: s3.NewFromConfig(awsCfg),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
	}, nil
}

func (s *S3Backend) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + k
}

func (s *S3Backend) Init(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	return wrapS3(err)
}

func (s *S3Backend) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.client.PutObject(ctx, input)
	return wrapS3(err)
}

func (s *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, wrapS3(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return ErrNotFound
		}
		return wrapS3(err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	return wrapS3(err)
}

func (s *S3Backend) List(ctx context.Context, prefix, pageToken string, maxKeys int) ([]string, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.key(prefix)),
		MaxKeys: aws.Int32(int32(maxKeys)),
	}
	if pageToken != "" {
		input.ContinuationToken = aws.String(pageToken)
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", wrapS3(err)
	}
	keys := make([]string, 0, len(out.Contents))
	trimmedPrefix := ""
	if s.prefix != "" {
		trimmedPrefix = strings.TrimSuffix(s.prefix, "/") + "/"
	}
	for _, obj := range out.Contents {
		keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), trimmedPrefix))
	}
	next := ""
	if out.NextContinuationToken != nil {
		next = *out.NextContinuationToken
	}
	return keys, next, nil
}

func (s *S3Backend) Exists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Backend) Close() error { return nil }

// wrapS3 classifies AWS SDK errors into the module's ErrThrottled when
// the API error code indicates rate limiting (throttling classification).
func wrapS3(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestLimitExceeded", "TooManyRequests", "ServiceUnavailable":
			return errors.Join(ErrThrottled, err)
		}
	}
	return err
}
