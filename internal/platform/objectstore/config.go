package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
)

type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketVerdicts string
	// Prefix is prepended to every verdict key, without a trailing slash.
	Prefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("GATEKEEPER_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("GATEKEEPER_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("GATEKEEPER_MINIO_ACCESS_KEY", ""),
		SecretKey:      env.String("GATEKEEPER_MINIO_SECRET_KEY", ""),
		Region:         env.String("GATEKEEPER_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketVerdicts: env.String("GATEKEEPER_MINIO_BUCKET_VERDICTS", "verdicts"),
		Prefix:         strings.Trim(env.String("GATEKEEPER_MINIO_PREFIX", "gatekeeper"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketVerdicts) == "" {
		return errors.New("verdicts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
