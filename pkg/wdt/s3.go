// Copyright 2025 Takhin Data, Inc.

package wdt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/takhin-data/laser/pkg/status"
)

// S3Config configures an S3Transport. Region empty means "use the
// environment/instance-profile default".
type S3Config struct {
	Region   string
	Endpoint string
}

// S3Transport implements Transport against S3-compatible object storage:
// an "s3://bucket/key" wdt URL is downloaded to destDir. This is the
// production WDT receiver for multi-node deployments where sender and
// receiver don't share a disk.
type S3Transport struct {
	client   *s3.Client
	Throttle TransferThrottler
}

func NewS3Transport(ctx context.Context, cfg S3Config) (*S3Transport, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("wdt: load aws config: %w", err)
	}

	s3Opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Transport{client: s3.NewFromConfig(awsCfg, s3Opts)}, nil
}

func (t *S3Transport) Fetch(ctx context.Context, wdtURL, destDir string) (string, error) {
	u, err := url.Parse(wdtURL)
	if err != nil {
		return "", status.New(status.RSInvalidArgument, "parse wdt url %q: %v", wdtURL, err)
	}
	bucket := u.Host
	key := u.Path[1:]

	result, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", status.New(status.RPSourceReadError, "get s3://%s/%s: %v", bucket, key, err)
	}
	defer result.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", status.New(status.RSIOError, "mkdir %s: %v", destDir, err)
	}
	destPath := filepath.Join(destDir, filepath.Base(key))
	file, err := os.Create(destPath)
	if err != nil {
		return "", status.New(status.RSIOError, "create %s: %v", destPath, err)
	}
	defer file.Close()

	buf := copyBufPool.Get(copyBufSize)
	defer copyBufPool.Put(buf)
	if _, err := throttledCopy(ctx, file, result.Body, buf, t.Throttle); err != nil {
		return "", status.New(status.RSIOError, "copy s3 object to %s: %v", destPath, err)
	}
	return destPath, nil
}
