package satchel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3SourceConfig configures the S3-compatible content source.
type S3SourceConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles, or
	// environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) over
	// setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"` // key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style"`

	// MaxRetries for S3 operations. Default: 3.
	MaxRetries int `yaml:"max_retries"`
}

// S3ContentSource serves content manifests and material blobs from an S3 or
// S3-compatible bucket: manifests at {prefix}content/{id}.json, subject
// listings at {prefix}subjects/{subject}.json, blobs at {prefix}{ref}.
type S3ContentSource struct {
	client  *s3.Client
	config  S3SourceConfig
	retryer *Retryer
}

// NewS3ContentSource creates a new S3-backed content source.
func NewS3ContentSource(cfg S3SourceConfig) (*S3ContentSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3ContentSource{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

func (s *S3ContentSource) FetchContent(ctx context.Context, id string) (ContentManifest, error) {
	data, err := s.getObject(ctx, "content/"+id+".json")
	if err != nil {
		return ContentManifest{}, err
	}

	var manifest ContentManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ContentManifest{}, &NetworkError{Op: "download", Cause: fmt.Errorf("decode manifest %s: %w", id, err)}
	}
	if manifest.ID == "" {
		manifest.ID = id
	}
	return manifest, nil
}

func (s *S3ContentSource) OpenMaterial(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	key := s.config.Prefix + strings.TrimLeft(ref, "/")

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, &NetworkError{Op: "download", Cause: fmt.Errorf("S3 get %s: %w", key, err)}
	}

	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (s *S3ContentSource) ListSubject(ctx context.Context, subject string) ([]string, error) {
	data, err := s.getObject(ctx, "subjects/"+subject+".json")
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, &NetworkError{Op: "download", Cause: fmt.Errorf("decode subject %s: %w", subject, err)}
	}
	return ids, nil
}

func (s *S3ContentSource) getObject(ctx context.Context, key string) ([]byte, error) {
	fullKey := s.config.Prefix + key

	var data []byte
	err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return fmt.Errorf("S3 get object %s: %w", fullKey, err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, &NetworkError{Op: "download", Cause: err}
	}
	return data, nil
}
