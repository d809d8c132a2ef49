package archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for the S3 backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required)
	Bucket string

	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services)
	// Examples: "https://s3.amazonaws.com", "http://localhost:9000" (MinIO)
	Endpoint string

	// AccessKeyID is the AWS access key (optional if using IAM roles)
	AccessKeyID string

	// SecretAccessKey is the AWS secret key (optional if using IAM roles)
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (required for MinIO)
	UsePathStyle bool

	// Prefix is an optional prefix for all keys (e.g., "livesync/")
	Prefix string
}

// S3Backend implements Backend using Amazon S3 or S3-compatible storage.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a new S3 backend and checks that the bucket is reachable.
func NewS3(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, &Error{Op: "NewS3", Err: fmt.Errorf("bucket name is required")}
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	// Static credentials when given, otherwise the default chain
	// (environment variables, IAM roles, etc.)
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Op: "NewS3", Err: fmt.Errorf("load AWS config: %w", err)}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, &Error{Op: "NewS3", Err: fmt.Errorf("bucket not accessible: %w", err)}
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Backend) fullKey(key string) string {
	return b.prefix + key
}

func (b *S3Backend) stripPrefix(key string) string {
	return strings.TrimPrefix(key, b.prefix)
}

// Exists checks if an object exists at the given key.
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, &Error{Op: "Exists", Key: key, Err: err}
	}
	return true, nil
}

// Reader returns a reader for the object content.
func (b *S3Backend) Reader(ctx context.Context, key string) (io.ReadCloser, *FileInfo, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil, &Error{Op: "Reader", Key: key, Err: ErrNotFound}
		}
		return nil, nil, &Error{Op: "Reader", Key: key, Err: err}
	}

	info := &FileInfo{
		Key:     key,
		Size:    aws.ToInt64(output.ContentLength),
		ETag:    strings.Trim(aws.ToString(output.ETag), "\""),
		ModTime: aws.ToTime(output.LastModified),
	}
	return output.Body, info, nil
}

// Write stores content at the given key. Content is buffered to send its
// length and checksum with the upload.
func (b *S3Backend) Write(ctx context.Context, key string, content io.Reader, contentType string) (*FileInfo, error) {
	var buf bytes.Buffer
	h := md5.New()
	written, err := io.Copy(io.MultiWriter(&buf, h), content)
	if err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: fmt.Errorf("buffer content: %w", err)}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(written),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return nil, &Error{Op: "Write", Key: key, Err: err}
	}

	return &FileInfo{
		Key:     key,
		Size:    written,
		ETag:    hex.EncodeToString(h.Sum(nil)),
		ModTime: time.Now(),
	}, nil
}

// List returns objects with the given prefix.
func (b *S3Backend) List(ctx context.Context, prefix string, limit int, cursor string) ([]FileInfo, string, error) {
	if limit <= 0 {
		limit = 1000
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.fullKey(prefix)),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if cursor != "" {
		input.StartAfter = aws.String(b.fullKey(cursor))
	}

	output, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", &Error{Op: "List", Key: prefix, Err: err}
	}

	files := make([]FileInfo, 0, len(output.Contents))
	for _, obj := range output.Contents {
		files = append(files, FileInfo{
			Key:     b.stripPrefix(aws.ToString(obj.Key)),
			Size:    aws.ToInt64(obj.Size),
			ETag:    strings.Trim(aws.ToString(obj.ETag), "\""),
			ModTime: aws.ToTime(obj.LastModified),
		})
	}

	var nextCursor string
	if aws.ToBool(output.IsTruncated) && len(files) > 0 {
		nextCursor = files[len(files)-1].Key
	}
	return files, nextCursor, nil
}

// Close releases resources.
func (b *S3Backend) Close() error {
	return nil
}

// isNotFoundError checks if an error indicates the object was not found.
func isNotFoundError(err error) bool {
	var nsk *types.NotFound
	if errors.As(err, &nsk) {
		return true
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "404")
}
