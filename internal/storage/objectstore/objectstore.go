// Package objectstore implements storage.Provider against any S3-compatible
// endpoint (AWS S3, MinIO, or another S3-compatible target) via
// aws-sdk-go-v2.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/otcheredev/spax/internal/spaxerr"
)

// Config describes one volume's object-store credentials, as carried on
// models.StorageVolume.
type Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string // empty = AWS default
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Provider stores objects under Bucket, key-prefixed by Prefix.
type Provider struct {
	client *s3.Client
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &Provider{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *Provider) key(relPath string) string {
	if p.prefix == "" {
		return relPath
	}
	return path.Join(p.prefix, relPath)
}

func (p *Provider) Write(ctx context.Context, relPath string, r io.Reader, size int64) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           awsStr(p.key(relPath)),
		Body:          r,
		ContentLength: &size,
	})
	if err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "s3 PutObject failed", err)
	}
	return nil
}

func (p *Provider) Read(ctx context.Context, relPath string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &p.bucket,
		Key:    awsStr(p.key(relPath)),
	})
	if err != nil {
		return nil, spaxerr.Wrap(spaxerr.KindNotFound, relPath, err)
	}
	return out.Body, nil
}

func (p *Provider) Delete(ctx context.Context, relPath string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &p.bucket,
		Key:    awsStr(p.key(relPath)),
	})
	if err != nil {
		return spaxerr.Wrap(spaxerr.KindStorageUnavailable, "s3 DeleteObject failed", err)
	}
	return nil
}

func (p *Provider) Exists(ctx context.Context, relPath string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &p.bucket,
		Key:    awsStr(p.key(relPath)),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Provider) Size(ctx context.Context, relPath string) (int64, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &p.bucket,
		Key:    awsStr(p.key(relPath)),
	})
	if err != nil {
		return 0, spaxerr.Wrap(spaxerr.KindNotFound, relPath, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func awsStr(s string) *string { return &s }
