package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BucketVerdicts)
	if err != nil {
		return fmt.Errorf("verdicts bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BucketVerdicts, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make verdicts bucket: %w", err)
	}
	return nil
}

// Archive stores one immutable object per verdict.
type Archive struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewArchive(cfg Config) (*Archive, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewArchiveWithClient(client, cfg.BucketVerdicts, cfg.Prefix)
}

func NewArchiveWithClient(client *minio.Client, bucket, prefix string) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Key joins the configured prefix with a relative object key.
func (a *Archive) Key(rel string) string {
	rel = strings.TrimLeft(rel, "/")
	if a.prefix == "" {
		return rel
	}
	return a.prefix + "/" + rel
}

func (a *Archive) Put(ctx context.Context, rel string, body []byte, contentType string) error {
	if a == nil || a.client == nil {
		return fmt.Errorf("archive not initialized")
	}
	key := a.Key(rel)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	return nil
}

func (a *Archive) Check(ctx context.Context) error {
	if a == nil || a.client == nil {
		return fmt.Errorf("archive not initialized")
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("verdicts bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("verdicts bucket missing: %s", a.bucket)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
