package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/store"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

// S3Sink writes every export as one immutable JSONL object.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a client and checks that the bucket is reachable.
func NewS3Sink(ctx context.Context, config map[string]string) (*S3Sink, error) {
	bucket := store.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, store.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := store.GetString(config, KeyRegion, "us-east-1")
	endpoint := store.GetString(config, KeyEndpoint, "")
	prefix := store.GetString(config, KeyPrefix, "clan-audit")
	accessKeyID := store.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := store.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := store.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, store.Invalid("s3", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, store.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	slog.Info("s3 archive initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// ObjectKey names the object for an export: <prefix>/<scope>/<time>-<head>.jsonl.
func (s *S3Sink) ObjectKey(exp *audit.Export) string {
	head := exp.Head
	if len(head) > 16 {
		head = head[:16]
	}
	if head == "" {
		head = "empty"
	}
	name := fmt.Sprintf("%s-%s.jsonl", exp.ExportedAt.UTC().Format("20060102T150405.000000000Z"), head)
	return path.Join(s.prefix, exp.Scope, name)
}

func (s *S3Sink) Write(ctx context.Context, exp *audit.Export) (string, error) {
	if err := audit.ValidateScope(exp.Scope); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, exp.Records); err != nil {
		return "", err
	}
	key := s.ObjectKey(exp)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"clan-scope": exp.Scope,
			"clan-head":  exp.Head,
			"clan-count": fmt.Sprint(exp.Count),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Sink) Close() error { return nil }
