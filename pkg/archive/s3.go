package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Sentinel errors for archive uploads.
var (
	// ErrAccessDenied indicates insufficient permissions on the bucket.
	ErrAccessDenied = errors.New("archive access denied")

	// ErrBucketNotFound indicates the archive bucket does not exist.
	ErrBucketNotFound = errors.New("archive bucket not found")
)

// S3Config configures the S3 archive store.
type S3Config struct {
	// Bucket is the destination bucket. Required.
	Bucket string

	// Prefix is the key prefix for uploaded artifacts. Optional.
	Prefix string

	// Region is the AWS region. Optional; the SDK resolves from the
	// environment when empty.
	Region string

	// Endpoint is a custom endpoint for S3-compatible stores. Optional.
	Endpoint string

	// Profile is the credential profile name. Optional.
	Profile string

	// AccessKeyID and SecretAccessKey set explicit static credentials.
	// Optional; the default credential chain applies when empty.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs. S3-compatible services
	// behind custom endpoints generally require this.
	ForcePathStyle bool
}

// Validate checks the configuration for required fields.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("archive: bucket is required")
	}
	return nil
}

// S3Store implements Store over AWS S3 and S3-compatible storage.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3 creates an S3 archive store.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads one artifact under the configured prefix.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, length int64, contentType string) error {
	fullKey := key
	if s.prefix != "" {
		fullKey = path.Join(s.prefix, key)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          body,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", fullKey, mapError(err))
	}
	return nil
}

// mapError converts SDK errors to package sentinels where a stable code
// exists, preserving the original error for diagnosis.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		}
	}
	return err
}
