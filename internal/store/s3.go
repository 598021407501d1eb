// Package store persists backup artifacts in an S3 bucket.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"

	"github.com/schaermu/ghbackup/internal/backup"
)

// API is the subset of the S3 client used by the store
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

// Uploader streams objects of unknown size, see manager.Uploader
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config describes the bucket and how to reach it
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	StorageClass    string
	ExpireThreshold time.Duration
}

// S3Store implements backup.Store on top of a versioned S3 bucket
type S3Store struct {
	api             API
	uploader        Uploader
	bucket          string
	storageClass    types.StorageClass
	expireThreshold time.Duration
	clock           clock.Clock
}

// New creates a store from explicit clients
func New(api API, uploader Uploader, cfg Config, clk clock.Clock) *S3Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &S3Store{
		api:             api,
		uploader:        uploader,
		bucket:          cfg.Bucket,
		storageClass:    types.StorageClass(cfg.StorageClass),
		expireThreshold: cfg.ExpireThreshold,
		clock:           clk,
	}
}

// NewFromConfig builds the S3 client from the default AWS configuration chain,
// overridden by whatever cfg sets explicitly.
func NewFromConfig(ctx context.Context, cfg Config) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return New(client, manager.NewUploader(client), cfg, nil), nil
}

// Exists implements backup.Store. Objects scheduled to expire within the
// configured threshold are reported as absent so they get written again.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify("head", key, err)
		if errors.Is(err, backup.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if s.expireThreshold <= 0 {
		return true, nil
	}
	expiry, ok := parseExpiry(aws.ToString(out.Expiration))
	if !ok {
		return true, nil
	}
	return !expiry.Before(s.clock.Now().Add(s.expireThreshold)), nil
}

// ReadText implements backup.Store
func (s *S3Store) ReadText(ctx context.Context, key string) (string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", classify("get", key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(body), nil
}

// Write implements backup.Store. Only archives get the configured storage
// class; pointer objects have to stay readable without a restore.
func (s *S3Store) Write(ctx context.Context, key string, r io.Reader, opts backup.WriteOptions) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     r,
		Metadata: sanitizeMetadata(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.Archive && s.storageClass != "" {
		input.StorageClass = s.storageClass
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return classify("upload", key, err)
	}
	return nil
}

// LastModifiedUnder implements backup.Store using the current version of
// every object under prefix.
func (s *S3Store) LastModifiedUnder(ctx context.Context, prefix string) (time.Time, error) {
	var (
		last            time.Time
		keyMarker       *string
		versionIDMarker *string
	)

	for {
		out, err := s.api.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
			Bucket:          aws.String(s.bucket),
			Prefix:          aws.String(prefix),
			KeyMarker:       keyMarker,
			VersionIdMarker: versionIDMarker,
		})
		if err != nil {
			return time.Time{}, classify("list", prefix, err)
		}

		for _, v := range out.Versions {
			if !aws.ToBool(v.IsLatest) {
				continue
			}
			if modified := aws.ToTime(v.LastModified); modified.After(last) {
				last = modified
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return last, nil
		}
		keyMarker = out.NextKeyMarker
		versionIDMarker = out.NextVersionIdMarker
	}
}

var expiryDatePattern = regexp.MustCompile(`expiry-date="([^"]+)"`)

// parseExpiry extracts the expiry date from an x-amz-expiration header value,
// e.g. `expiry-date="Fri, 23 Dec 2012 00:00:00 GMT", rule-id="rule"`.
func parseExpiry(header string) (time.Time, bool) {
	m := expiryDatePattern.FindStringSubmatch(header)
	if m == nil {
		return time.Time{}, false
	}
	t, err := http.ParseTime(m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// sanitizeMetadata drops characters S3 cannot carry in user metadata headers
func sanitizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.Map(func(r rune) rune {
			if r < 0x20 || r > 0x7e {
				return -1
			}
			return r
		}, v)
	}
	return out
}

// classify maps S3 errors onto the backup package sentinels
func classify(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%s %s: %w", op, key, backup.ErrNotFound)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%s %s: %w: %v", op, key, backup.ErrPermissionDenied, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, key, backup.ErrNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("%s %s: %w: %v", op, key, backup.ErrPermissionDenied, err)
		}
	}

	return fmt.Errorf("failed to %s %s: %w", op, key, err)
}
