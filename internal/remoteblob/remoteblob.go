// Package remoteblob implements filesync.RemoteStore against an S3 or
// S3-compatible bucket: the shared object repository every client in a
// session uploads to and downloads from.
package remoteblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// presignExpiry bounds how long a GetDownloadURL result stays valid.
const presignExpiry = 15 * time.Minute

// Store is an S3-backed filesync.RemoteStore.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	keyPrefix string
}

// Config configures a Store.
type Config struct {
	Endpoint        string // non-empty for S3-compatible stores (MinIO, etc.)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	KeyPrefix       string
	ForcePathStyle  bool
}

// New creates a Store, verifying bucket access up front so configuration
// errors surface at startup rather than on the first transfer.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("remoteblob: bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("remoteblob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}

		o.UsePathStyle = cfg.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("remoteblob: access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *Store) objectKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}

	return s.keyPrefix + key
}

// countingReader reports incremental progress as bytes are read, the way a
// multipart uploader's part-completion callback does but for a single
// PutObject call.
type countingReader struct {
	r        io.Reader
	total    int64
	loaded   int64
	progress func(loaded, total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.loaded += int64(n)

	if c.progress != nil && n > 0 {
		c.progress(c.loaded, c.total)
	}

	return n, err
}

// Upload puts data under key and returns the key it was stored at — the
// bucket key is the content hash itself, so the returned remoteKey always
// equals key.
func (s *Store) Upload(ctx context.Context, data []byte, key string, onProgress func(loaded, total int64)) (string, error) {
	body := &countingReader{r: bytes.NewReader(data), total: int64(len(data)), progress: onProgress}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("remoteblob: put object %q: %w", key, err)
	}

	return key, nil
}

// Download retrieves the object at key in full.
func (s *Store) Download(ctx context.Context, key string, onProgress func(loaded, total int64)) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("remoteblob: get object %q: %w", key, err)
	}
	defer out.Body.Close()

	var total int64
	if out.ContentLength != nil {
		total = *out.ContentLength
	}

	reader := &countingReader{r: out.Body, total: total, progress: onProgress}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("remoteblob: read object body %q: %w", key, err)
	}

	return data, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("remoteblob: delete object %q: %w", key, err)
	}

	return nil
}

// CheckHealth reports whether the bucket is currently reachable.
func (s *Store) CheckHealth(ctx context.Context) bool {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err == nil
}

// GetDownloadURL returns a presigned GET URL for key, valid for
// presignExpiry. Errors are swallowed to an empty string since this
// implements an interface method that cannot return one; a caller that
// gets back "" should fall back to routing the bytes through Download.
func (s *Store) GetDownloadURL(key string) string {
	req, err := s.presigner.PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return ""
	}

	return req.URL
}
