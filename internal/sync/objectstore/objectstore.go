// Package objectstore keeps the local store blob in S3-compatible object storage,
// so a device can keep its offline state on AWS S3, MinIO or Cloudflare R2.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// Provider names an S3-compatible service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// DefaultKey is the object key used when Config.Key is empty.
const DefaultKey = "offlinesync/state.json"

// Config configures the S3 persister.
type Config struct {
	Provider Provider `yaml:"provider"`
	Bucket   string   `yaml:"bucket"`
	Region   string   `yaml:"region"`
	// Endpoint is required for MinIO and ignored for R2.
	Endpoint string `yaml:"endpoint"`
	// AccountID is the Cloudflare account for R2.
	AccountID string `yaml:"account_id"`
	UseSSL    bool   `yaml:"use_ssl"`
	// AccessKey and SecretKey are optional; the default AWS credential chain is
	// used when they are empty.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Key       string `yaml:"key"`
}

// API is the subset of the S3 client used by Persister.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Persister implements store.Persister on a single object.
type Persister struct {
	api    API
	bucket string
	key    string
}

// New builds a Persister for cfg.
func New(ctx context.Context, cfg Config) (*Persister, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	region, endpoint, pathStyle, err := resolveEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	logging.Info("Using object storage for local state", map[string]interface{}{
		"provider": string(cfg.Provider),
		"bucket":   cfg.Bucket,
		"region":   region,
	})
	return NewWithAPI(client, cfg.Bucket, cfg.Key), nil
}

// NewWithAPI builds a Persister over an existing client.
func NewWithAPI(api API, bucket, key string) *Persister {
	if key == "" {
		key = DefaultKey
	}
	return &Persister{api: api, bucket: bucket, key: key}
}

// Load implements store.Persister. A missing object is an empty store.
func (p *Persister) Load(ctx context.Context) ([]byte, error) {
	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", p.bucket, p.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", p.bucket, p.key, err)
	}
	return data, nil
}

// Save implements store.Persister.
func (p *Persister) Save(ctx context.Context, data []byte) error {
	_, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", p.bucket, p.key, err)
	}
	return nil
}

// resolveEndpoint returns the region, base endpoint and addressing style for cfg.
// An empty endpoint leaves resolution to the SDK.
func resolveEndpoint(cfg Config) (region, endpoint string, pathStyle bool, err error) {
	switch cfg.Provider {
	case "", ProviderAWS:
		region = cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		if cfg.Endpoint != "" {
			endpoint = withScheme(cfg.Endpoint, true)
		}
		return region, endpoint, false, nil

	case ProviderMinIO:
		if cfg.Endpoint == "" {
			return "", "", false, errors.New("objectstore: minio endpoint is required")
		}
		region = cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return region, withScheme(cfg.Endpoint, cfg.UseSSL), true, nil

	case ProviderR2:
		if !IsValidR2AccountID(cfg.AccountID) {
			return "", "", false, fmt.Errorf("objectstore: invalid R2 account id %q", cfg.AccountID)
		}
		return "auto", "https://" + R2EndpointForAccount(cfg.AccountID), false, nil
	}
	return "", "", false, fmt.Errorf("objectstore: unknown provider %q", cfg.Provider)
}

func withScheme(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSuffix(endpoint, "/")
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// R2EndpointForAccount returns the R2 host for an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether id looks like a Cloudflare account id
// (32 hex characters).
func IsValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range strings.ToLower(id) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
