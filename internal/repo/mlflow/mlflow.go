// Package mlflow reads run metrics from an MLflow compatible tracking server.
package mlflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
)

const runsGetPath = "/api/2.0/mlflow/runs/get"

type Config struct {
	TrackingURI string
	Token       string
	Timeout     time.Duration
	RetryMax    int
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("MLFLOW_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	retryMax, err := env.Int("MLFLOW_RETRY_MAX", 3)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		TrackingURI: strings.TrimRight(strings.TrimSpace(env.String("MLFLOW_TRACKING_URI", "")), "/"),
		Token:       strings.TrimSpace(env.String("MLFLOW_TRACKING_TOKEN", "")),
		Timeout:     timeout,
		RetryMax:    retryMax,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TrackingURI == "" {
		return errors.New("MLFLOW_TRACKING_URI is required")
	}
	u, err := url.Parse(c.TrackingURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("MLFLOW_TRACKING_URI must be an absolute URL: %q", c.TrackingURI)
	}
	if c.Timeout <= 0 {
		return errors.New("MLFLOW_TIMEOUT must be > 0")
	}
	if c.RetryMax < 0 {
		return errors.New("MLFLOW_RETRY_MAX must be >= 0")
	}
	return nil
}

// Client implements repo.RunMetricStore.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.TrackingURI = strings.TrimRight(strings.TrimSpace(cfg.TrackingURI), "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if logger != nil {
		rc.Logger = logger
	}
	return &Client{baseURL: cfg.TrackingURI, token: cfg.Token, http: rc}, nil
}

type runResponse struct {
	Run struct {
		Info struct {
			RunID       string `json:"run_id"`
			Status      string `json:"status"`
			StartTime   millis `json:"start_time"`
			ArtifactURI string `json:"artifact_uri"`
		} `json:"info"`
		Data struct {
			Metrics []struct {
				Key   string  `json:"key"`
				Value float64 `json:"value"`
			} `json:"metrics"`
		} `json:"data"`
	} `json:"run"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// millis accepts epoch milliseconds as a JSON number or string.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*m = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch millis %q: %w", raw, err)
	}
	*m = millis(n)
	return nil
}

func (c *Client) GetRunMetrics(ctx context.Context, runID string) (domain.RunMetrics, error) {
	if c == nil || c.http == nil {
		return domain.RunMetrics{}, errors.New("mlflow client not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunMetrics{}, errors.New("run id is required")
	}

	endpoint := c.baseURL + runsGetPath + "?" + url.Values{"run_id": {runID}}.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.RunMetrics{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.RunMetrics{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return domain.RunMetrics{}, fmt.Errorf("read run %s: %w", runID, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		if resp.StatusCode == http.StatusNotFound || apiErr.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
			return domain.RunMetrics{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return domain.RunMetrics{}, fmt.Errorf("get run %s: status %d: %s", runID, resp.StatusCode, msg)
	}

	var decoded runResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return domain.RunMetrics{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	info := decoded.Run.Info
	if info.RunID == "" {
		return domain.RunMetrics{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	out := domain.RunMetrics{
		RunID:   info.RunID,
		Status:  info.Status,
		Metrics: make(map[string]float64, len(decoded.Run.Data.Metrics)),
	}
	for _, m := range decoded.Run.Data.Metrics {
		out.Metrics[m.Key] = m.Value
	}
	if info.ArtifactURI != "" {
		out.Artifacts = []string{info.ArtifactURI}
	}
	if info.StartTime > 0 {
		out.CreatedAt = time.UnixMilli(int64(info.StartTime)).UTC()
	}
	return out, nil
}

// Ping checks that the tracking server answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mlflow health: status %d", resp.StatusCode)
	}
	return nil
}
