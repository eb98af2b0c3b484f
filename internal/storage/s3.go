package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// S3Mirror copies derived artifacts (cover, page rasters) to an S3 bucket
// under <prefix>/<hash>/<name>. The local media directory stays the source
// of truth.
type S3Mirror struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// Options configures the mirror. Empty credentials fall back to the default
// AWS credential chain.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Mirror creates a new S3 mirror
func NewS3Mirror(ctx context.Context, opts Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror: bucket not configured")
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Key is the object key an artifact of hash is stored under.
func (m *S3Mirror) Key(hash, name string) string {
	return path.Join(m.prefix, hash, name)
}

// Upload copies one local file to <prefix>/<hash>/<base name>.
func (m *S3Mirror) Upload(ctx context.Context, hash, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	key := m.Key(hash, filepath.Base(localPath))
	start := time.Now()
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"hash": hash},
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("s3 upload failed")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", key).Dur("duration", time.Since(start)).Msg("mirrored artifact to s3")
	return nil
}

// UploadAll mirrors every listed file, stopping at the first failure.
func (m *S3Mirror) UploadAll(ctx context.Context, hash string, localPaths []string) error {
	for _, p := range localPaths {
		if err := m.Upload(ctx, hash, p); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (m *S3Mirror) Ping(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	return err
}
