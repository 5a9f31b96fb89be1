// Package s3 stores blobs in Amazon S3 or any S3-compatible object store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/noisersup/dedupfs-api/hasher"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/storage"
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Config struct {
	Bucket          string `mapstructure:"bucket" validate:"required"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	// Directory used to spool uploads while they are hashed. Empty means os.TempDir().
	SpoolDir string `mapstructure:"spool_dir"`
}

type Store struct {
	client    Client
	bucket    string
	keyPrefix string
	spoolDir  string
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// given, otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsConfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// New creates a store on an existing bucket. The bucket is not created.
func New(ctx context.Context, client Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("s3: failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		spoolDir:  cfg.SpoolDir,
	}, nil
}

func (s *Store) Name() string { return "s3://" + s.bucket }

// Save spools r to a local temp file while hashing it and uploads only verified content.
func (s *Store) Save(ctx context.Context, key string, r io.Reader, expectedHash string) (storage.SaveResult, error) {
	spool, err := os.CreateTemp(s.spoolDir, "s3-put-*")
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("s3: create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	w := hasher.NewWriter(spool)
	if _, err := io.Copy(w, r); err != nil {
		return storage.SaveResult{}, fmt.Errorf("s3: spool %q: %w", key, err)
	}

	sum := w.Sum()
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		return storage.SaveResult{}, fmt.Errorf("s3: %q got %s want %s: %w", key, sum, expectedHash, storage.ErrHashMismatch)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return storage.SaveResult{}, fmt.Errorf("s3: rewind spool: %w", err)
	}

	locator := s.keyPrefix + key
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(locator),
		Body:          spool,
		ContentLength: aws.Int64(w.Written()),
		Metadata:      map[string]string{"sha256": sum},
	})
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("s3: put object %q: %w", locator, err)
	}

	l.LogV("s3: stored %s (%d bytes)", locator, w.Written())
	return storage.SaveResult{Locator: locator, Size: w.Written(), Hash: sum}, nil
}

func (s *Store) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("s3: %q: %w", locator, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("s3: get object %q: %w", locator, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *Store) Delete(ctx context.Context, locator string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		return fmt.Errorf("s3: delete object %q: %w", locator, err)
	}
	return nil
}
