package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"

	"github.com/szaharov/caljournal/internal/common"
	"github.com/szaharov/caljournal/internal/logging"
)

// S3Config holds settings for the S3-compatible snapshot store. BaseEndpoint
// supports MinIO-style self-hosted backends.
type S3Config struct {
	Bucket         string
	Key            string
	Region         string
	AccessKey      string
	SecretKey      string
	BaseEndpoint   string
	RequestTimeout time.Duration
	MaxRetries     uint64
}

// test seams, same trick the rest of the codebase uses for AWS plumbing
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3Backend stores the snapshot as a single object, replaced whole on every
// push. Transient failures are retried with fibonacci backoff up to
// MaxRetries; each attempt carries its own deadline.
type S3Backend struct {
	client *s3.Client
	cfg    S3Config
	log    logging.Logger
}

func NewS3Backend(ctx context.Context, cfg S3Config, log logging.Logger) (*S3Backend, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = cfg.BaseEndpoint != ""
	})

	return &S3Backend{client: client, cfg: cfg, log: log}, nil
}

func (b *S3Backend) Put(ctx context.Context, data []byte) error {
	return b.withBackoff(ctx, "put", func(ctx context.Context) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.cfg.Key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

func (b *S3Backend) Get(ctx context.Context) ([]byte, error) {
	var data []byte
	err := b.withBackoff(ctx, "get", func(ctx context.Context) error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.cfg.Key),
		})
		if err != nil {
			return mapNotFound(err)
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3Backend) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata
	err := b.withBackoff(ctx, "metadata", func(ctx context.Context) error {
		out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(b.cfg.Key),
		})
		if err != nil {
			return mapNotFound(err)
		}
		md.Exists = true
		if out.LastModified != nil {
			md.LastModified = *out.LastModified
		}
		return nil
	})
	if errors.Is(err, common.ErrNotFound) {
		return Metadata{Exists: false}, nil
	}
	if err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// withBackoff runs fn with a per-attempt deadline and retries transient
// failures. A missing object is not transient and is surfaced as-is;
// exhausting the retry budget surfaces common.ErrNetwork.
func (b *S3Backend) withBackoff(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(b.cfg.MaxRetries, retry.NewFibonacci(250*time.Millisecond))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrNotFound) {
			return err
		}
		if b.log != nil {
			b.log.Warn(ctx, "remote call failed, will retry", "op", op, "attempt", attempt, "error", err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: s3 %s after %d attempts: %v", common.ErrNetwork, op, attempt, err)
}

func mapNotFound(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("snapshot object: %w", common.ErrNotFound)
	}
	return err
}
