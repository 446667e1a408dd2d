package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// S3 stores objects in an S3 compatible bucket.
type S3 struct {
	runtime.Base `yaml:",inline"`
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	Region       string `yaml:"region"`
	Secure       bool   `yaml:"secure"`
	ContentType  string `yaml:"contentType"`

	client *minio.Client

	mu         sync.Mutex
	bucketInit bool
}

// Initialize builds the client. Endpoint, credentials and bucket may be
// templates over the context properties.
func (s *S3) Initialize(ctx *runtime.Context) error {
	fields := []*string{&s.Endpoint, &s.Bucket, &s.AccessKey, &s.SecretKey, &s.Region}
	for _, f := range fields {
		v, err := ctx.InterpolateString(s.URN(), *f, nil)
		if err != nil {
			return err
		}
		*f = v
	}
	if s.Endpoint == "" {
		return cerrors.Configurationf(s.URN(), "endpoint is required")
	}
	if s.Bucket == "" {
		return cerrors.Configurationf(s.URN(), "bucket is required")
	}
	if s.AccessKey == "" || s.SecretKey == "" {
		return cerrors.Configurationf(s.URN(), "credentials are required")
	}

	endpoint, secure, err := parseEndpoint(s.Endpoint, s.Secure)
	if err != nil {
		return cerrors.NewConfigurationError(s.URN(), "invalid endpoint", err)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.AccessKey, s.SecretKey, ""),
		Secure: secure,
		Region: s.Region,
	})
	if err != nil {
		return cerrors.NewConfigurationError(s.URN(), "failed to create minio client", err)
	}
	s.client = client
	s.Secure = secure
	ctx.Logger().Debug("s3 storage ready",
		zap.String("urn", s.URN()),
		zap.String("endpoint", endpoint),
		zap.String("bucket", s.Bucket))
	return nil
}

// Finalize drops the client.
func (s *S3) Finalize(*runtime.Context) error {
	s.client = nil
	return nil
}

// Describe returns the endpoint and bucket.
func (s *S3) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "endpoint", Value: s.Endpoint},
		{Name: "bucket", Value: s.Bucket},
		{Name: "secure", Value: s.Secure},
	}
}

// Open streams an object. The object is stat'ed first so a missing key
// fails here rather than on the first read.
func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.Bucket, blobName(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", name, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to get object %s: %w", name, err)
	}
	return obj, nil
}

// Create returns a writer that puts the object on Close.
func (s *S3) Create(ctx context.Context, name string, opts CreateOptions) (io.WriteCloser, error) {
	if opts.Append {
		return nil, fmt.Errorf("append is not supported by s3 storage")
	}
	key := blobName(name)
	if !opts.Overwrite {
		_, err := s.client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
		if err == nil {
			return nil, fmt.Errorf("object %s already exists", name)
		}
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return nil, fmt.Errorf("failed to stat object %s: %w", name, err)
		}
	}
	contentType := s.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &uploadWriter{upload: func(data []byte) error {
		if err := s.ensureBucket(ctx); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, s.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return fmt.Errorf("object upload failed: %w", err)
		}
		return nil
	}}, nil
}

// List returns the object keys matching pattern.
func (s *S3) List(ctx context.Context, pattern string) ([]string, error) {
	pattern = blobName(pattern)
	// cancel stops the lister goroutine when we return before the channel
	// is drained.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{
		Prefix:    globPrefix(pattern),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	matched, err := matchAll(pattern, keys)
	if err != nil {
		return nil, err
	}
	slices.Sort(matched)
	return matched, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketInit {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: s.Region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	s.bucketInit = true
	return nil
}

// parseEndpoint accepts a bare host:port or a URL. An https scheme forces
// a secure connection.
func parseEndpoint(raw string, secure bool) (string, bool, error) {
	if !strings.Contains(raw, "://") {
		return raw, secure, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("missing host in %q", raw)
	}
	return u.Host, secure || u.Scheme == "https", nil
}
