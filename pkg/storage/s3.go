package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fitrun/fitrun/pkg/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Presigner issues upload slots and output download URLs.
type Presigner interface {
	PresignUploads(ctx context.Context, files []FileSpec) ([]Upload, error)
	OutputURL(ctx context.Context, key string) (string, error)
}

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// Compile-time interface check.
var _ Presigner = (*S3Presigner)(nil)

// S3Presigner presigns PUT URLs for visitor uploads and GET URLs for
// reconstruction outputs.
type S3Presigner struct {
	log           logrus.FieldLogger
	cfg           *config.S3Config
	presignClient *s3.PresignClient
	expiry        time.Duration
	inputPrefix   string
	outputPrefix  string
	cacheTTL      time.Duration
	now           func() time.Time
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

// NewS3Presigner creates a new S3 presigner from the given configuration.
func NewS3Presigner(log logrus.FieldLogger, cfg *config.S3Config) (*S3Presigner, error) {
	if cfg.PresignedURLs.Expiry <= 0 {
		return nil, fmt.Errorf("presigned_urls.expiry must be positive")
	}

	return &S3Presigner{
		log:           log.WithField("component", "s3-presigner"),
		cfg:           cfg,
		presignClient: s3.NewPresignClient(newS3Client(cfg)),
		expiry:        cfg.PresignedURLs.Expiry,
		inputPrefix:   strings.Trim(cfg.InputPrefix, "/"),
		outputPrefix:  strings.Trim(cfg.OutputPrefix, "/"),
		cacheTTL:      cfg.PresignedURLs.Expiry / 2,
		now:           time.Now,
		cache:         make(map[string]presignCacheEntry),
	}, nil
}

// PresignUploads returns one presigned PUT slot per file. Keys are unique
// per call so concurrent uploads never collide.
func (p *S3Presigner) PresignUploads(ctx context.Context, files []FileSpec) ([]Upload, error) {
	uploads := make([]Upload, 0, len(files))

	for _, f := range files {
		key := uuid.NewString() + "_" + SanitizeName(f.Name)
		if p.inputPrefix != "" {
			key = p.inputPrefix + "/" + key
		}

		result, err := p.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.cfg.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(f.ContentType),
		}, s3.WithPresignExpires(p.expiry))
		if err != nil {
			return nil, fmt.Errorf("presigning upload for %q: %w", key, err)
		}

		uploads = append(uploads, Upload{
			Name:    f.Name,
			Key:     key,
			URL:     result.URL,
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": f.ContentType},
		})
	}

	p.log.WithField("count", len(uploads)).Debug("Presigned upload slots")

	return uploads, nil
}

// OutputURL returns a presigned GET URL for an output key. Results are
// cached for half the expiry so a returned URL always has sufficient
// validity left.
func (p *S3Presigner) OutputURL(ctx context.Context, key string) (string, error) {
	if !IsCleanKey(key, p.outputPrefix) {
		return "", fmt.Errorf("%w: key %q is not an output key", ErrInvalidFile, key)
	}

	now := p.now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	// Drop expired entries while holding the write lock.
	for k, e := range p.cache {
		if !now.Before(e.expiresAt) {
			delete(p.cache, k)
		}
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// newS3Client constructs an S3 client from the storage config.
func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
