// Package engine: S3-backed archival for execution output that overflows
// the capped in-memory log buffers (sandbox_process.go's cappedBuffer),
// grounded on the teacher's internal/node/runtime/nodes/s3_node.go client
// construction and upload/download calls.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogArchiver persists execution logs that exceeded the in-process buffer
// cap somewhere durable, and fetches them back out on demand.
type LogArchiver interface {
	Archive(ctx context.Context, executionID ExecutionId, stream string, data []byte) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// S3ArchiverConfig configures the bucket an S3Archiver writes to.
type S3ArchiverConfig struct {
	Bucket string
	Region string
	Prefix string // optional key prefix, e.g. "execution-logs/"
}

// S3Archiver implements LogArchiver against an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	cfg    S3ArchiverConfig
}

// NewS3Archiver loads the default AWS config chain and builds an archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, ErrInternalError("failed to load aws config", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Archive uploads data and returns a bucket/key reference for later Fetch.
func (a *S3Archiver) Archive(ctx context.Context, executionID ExecutionId, stream string, data []byte) (string, error) {
	key := fmt.Sprintf("%s%s/%s.log", a.cfg.Prefix, executionID, stream)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", ErrInternalError("failed to archive execution log", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key), nil
}

// Fetch downloads a previously archived log by its bucket/key ref.
func (a *S3Archiver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ErrInternalError("failed to fetch archived log", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ErrInternalError("failed to read archived log", err)
	}
	return data, nil
}

func parseS3Ref(ref string) (bucket, key string, err error) {
	const prefix = "s3://"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return "", "", ErrInternalError("malformed s3 ref: "+ref, nil)
	}
	rest := ref[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", ErrInternalError("malformed s3 ref: "+ref, nil)
}

// InMemoryArchiver is a map-backed LogArchiver for tests.
type InMemoryArchiver struct {
	objects map[string][]byte
}

// NewInMemoryArchiver builds an empty archiver.
func NewInMemoryArchiver() *InMemoryArchiver {
	return &InMemoryArchiver{objects: make(map[string][]byte)}
}

func (a *InMemoryArchiver) Archive(ctx context.Context, executionID ExecutionId, stream string, data []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/%s", executionID, stream)
	a.objects[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (a *InMemoryArchiver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, ok := a.objects[ref]
	if !ok {
		return nil, ErrInternalError("archived log not found: "+ref, nil)
	}
	return data, nil
}
