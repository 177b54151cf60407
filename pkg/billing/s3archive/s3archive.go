// Package s3archive stores verified raw webhook payloads in S3 or an S3-compatible
// bucket for audit and manual replay.
package s3archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

var (
	ErrInvalidConfig   = errors.New("s3archive: bucket and region are required")
	ErrLoadConfig      = errors.New("s3archive: failed to load aws config")
	ErrArchiveFailed   = errors.New("s3archive: failed to store payload")
	ErrPayloadNotFound = errors.New("s3archive: payload not found")
)

// Config is read from ARCHIVE_* variables. An empty bucket disables archiving.
type Config struct {
	Bucket         string        `env:"ARCHIVE_S3_BUCKET"`
	Region         string        `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	Endpoint       string        `env:"ARCHIVE_S3_ENDPOINT"`
	AccessKeyID    string        `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretKey      string        `env:"ARCHIVE_S3_SECRET_KEY"`
	Prefix         string        `env:"ARCHIVE_S3_PREFIX" envDefault:"webhooks"`
	ForcePathStyle bool          `env:"ARCHIVE_S3_FORCE_PATH_STYLE" envDefault:"false"`
	Timeout        time.Duration `env:"ARCHIVE_S3_TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Client is the subset of the S3 API the archiver needs.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithClient sets a pre-configured client, typically a mock in tests.
func WithClient(c Client) Option {
	return func(a *Archiver) { a.client = c }
}

// WithClock overrides the time used to build date partitions.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// Archiver implements billing.Archiver.
type Archiver struct {
	client  Client
	bucket  string
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

var _ billing.Archiver = (*Archiver)(nil)

// New creates an Archiver. Without WithClient it loads the default AWS config,
// honoring static credentials and a custom endpoint when set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Archiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}
	a := &Archiver{
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client != nil {
		return a, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Join(ErrLoadConfig, err)
	}
	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return a, nil
}

// Key returns the object key for an event archived at t.
func (a *Archiver) Key(provider, eventID string, t time.Time) string {
	t = t.UTC()
	return path.Join(a.prefix, provider, t.Format("2006/01/02"), eventID+".json")
}

// Archive uploads the payload. Re-archiving the same event overwrites the object.
func (a *Archiver) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	now := a.now()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(provider, eventID, now)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"provider":    provider,
			"event-id":    eventID,
			"archived-at": now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return errors.Join(ErrArchiveFailed, describe(err))
	}
	return nil
}

// Fetch downloads an archived payload by key.
func (a *Archiver) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrPayloadNotFound
		}
		return nil, describe(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return err
}
