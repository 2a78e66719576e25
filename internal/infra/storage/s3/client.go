// Package s3 implements the scanning.ObjectStore port on top of AWS S3.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
	"github.com/nanisaisampath/brr-demo-new-ui-2025/pkg/common/logger"
)

// Config holds the credentials and bucket for the object store. Every field
// except Endpoint is required; a partially configured store is a fatal
// configuration error surfaced before any scan work starts.
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the S3 endpoint. Used for localstack/minio in
	// integration environments.
	Endpoint string
}

// Validate checks that all required credential fields are present.
func (c Config) Validate() error {
	missing := make([]string, 0, 4)
	if c.AccessKeyID == "" {
		missing = append(missing, "access key id")
	}
	if c.SecretAccessKey == "" {
		missing = append(missing, "secret access key")
	}
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return scanning.NewConfigurationError("storage credentials incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// api is the subset of the S3 client the store needs. Tests substitute fakes.
type api interface {
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides paged listing and streaming reads against a single bucket.
type Client struct {
	api    api
	bucket string

	logger *logger.Logger
	tracer trace.Tracer
}

var _ scanning.ObjectStore = (*Client)(nil)

// NewClient builds an S3-backed object store from static credentials.
func NewClient(ctx context.Context, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newClient(client, cfg.Bucket, log, tracer), nil
}

func newClient(api api, bucket string, log *logger.Logger, tracer trace.Tracer) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		logger: log.With("component", "object_store", "bucket", bucket),
		tracer: tracer,
	}
}

// ListObjects returns every object under the given prefix, following
// pagination. Folder placeholder keys (trailing slash) are skipped.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]scanning.Object, error) {
	ctx, span := c.tracer.Start(ctx, "object_store.list_objects",
		trace.WithAttributes(
			attribute.String("bucket", c.bucket),
			attribute.String("prefix", prefix),
		))
	defer span.End()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1000),
	}

	var objects []scanning.Object
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list objects")
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, scanning.Object{
				Key:  key,
				Size: aws.ToInt64(obj.Size),
			})
		}
	}

	span.SetAttributes(attribute.Int("object_count", len(objects)))
	span.SetStatus(codes.Ok, "objects listed")
	return objects, nil
}

// GetObject opens a streaming read of the object body. The returned size is
// the content length reported by S3, or -1 when unknown. The caller owns
// closing the reader.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	ctx, span := c.tracer.Start(ctx, "object_store.get_object",
		trace.WithAttributes(
			attribute.String("bucket", c.bucket),
			attribute.String("key", key),
		))
	defer span.End()

	output, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object")
		return nil, 0, fmt.Errorf("getting object %q: %w", key, err)
	}

	size := int64(-1)
	if output.ContentLength != nil {
		size = *output.ContentLength
	}

	span.SetAttributes(attribute.Int64("content_length", size))
	span.SetStatus(codes.Ok, "object stream opened")
	return output.Body, size, nil
}
