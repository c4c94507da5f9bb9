package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ObjectStore archives batches to an S3 (or S3-compatible) bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the S3 archive backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string
}

func NewS3ObjectStore(ctx context.Context, cfg S3Config) (*S3ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("audit: s3 put %s: %w", key, err)
	}
	return nil
}

// GCSObjectStore archives batches to a Google Cloud Storage bucket.
type GCSObjectStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

func NewGCSObjectStore(ctx context.Context, bucket, prefix string) (*GCSObjectStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: gcs client: %w", err)
	}
	return &GCSObjectStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("audit: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: gcs close %s: %w", key, err)
	}
	return nil
}

// MemObjectStore keeps archive objects in memory for tests and dev runs.
type MemObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemObjectStore() *MemObjectStore {
	return &MemObjectStore{objects: make(map[string][]byte)}
}

func (s *MemObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

// Get returns a stored object.
func (s *MemObjectStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys returns stored object keys.
func (s *MemObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

// NewObjectStore builds an archive backend from a URL-style spec:
// "s3://bucket/prefix", "gs://bucket/prefix", or "mem://" for development.
func NewObjectStore(ctx context.Context, spec, region, endpoint string) (ObjectStore, error) {
	switch {
	case spec == "" || spec == "mem://":
		return NewMemObjectStore(), nil
	case strings.HasPrefix(spec, "s3://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(spec, "s3://"))
		return NewS3ObjectStore(ctx, S3Config{Bucket: bucket, Prefix: prefix, Region: region, Endpoint: endpoint})
	case strings.HasPrefix(spec, "gs://"):
		bucket, prefix := splitBucket(strings.TrimPrefix(spec, "gs://"))
		return NewGCSObjectStore(ctx, bucket, prefix)
	default:
		return nil, fmt.Errorf("audit: unsupported archive store %q", spec)
	}
}

func splitBucket(s string) (bucket, prefix string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		bucket, prefix = s[:i], strings.Trim(s[i+1:], "/")
		if prefix != "" {
			prefix += "/"
		}
		return bucket, prefix
	}
	return s, ""
}
