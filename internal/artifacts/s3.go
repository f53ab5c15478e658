package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 uploader.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint targets S3-compatible stores such as MinIO. Path-style
	// addressing is used when it is set.
	Endpoint string `yaml:"endpoint"`
}

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads reports and runner logs to AWS S3.
type S3Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Uploader loads AWS config and prepares an uploader.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3UploaderWithClient(client, cfg), nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(client PutObjectAPI, cfg S3Config) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// UploadReport stores the JSON report of a cycle and returns a s3:// URI.
func (u *S3Uploader) UploadReport(ctx context.Context, runID string, payload []byte) (string, error) {
	key := u.objectKey("runs", runID, "report.json")
	return u.put(ctx, key, bytes.NewReader(payload), "application/json")
}

// UploadOutput uploads captured test output held in memory.
func (u *S3Uploader) UploadOutput(ctx context.Context, runID, batchID, testID string, output []byte) (string, error) {
	return u.put(ctx, u.logKey(runID, batchID, testID), bytes.NewReader(output), "text/plain")
}

func (u *S3Uploader) put(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        body,
		ContentType: ptr(contentType),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

func (u *S3Uploader) logKey(runID, batchID, testID string) string {
	return u.objectKey("runs", runID, "batches", batchID, safeSegment(testID)+".log")
}

func (u *S3Uploader) objectKey(parts ...string) string {
	if u.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{u.prefix}, parts...)...)
}

// safeSegment keeps test ids such as "pkg/TestX" inside one key segment.
func safeSegment(value string) string {
	return strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(value)
}

func ptr[T any](v T) *T {
	return &v
}
