// Package deploytrigger notifies the deployment layer of actionable verdicts.
//
// Each Promote or Rollback verdict is POSTed as JSON to a webhook. The verdict
// id travels as Idempotency-Key so the receiver can drop redelivered events.
package deploytrigger

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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/auth"
	"github.com/animus-labs/animus-gatekeeper/internal/platform/env"
)

const (
	HeaderTimestamp = "X-Gatekeeper-Verdict-Ts"
	HeaderSignature = "X-Gatekeeper-Verdict-Sig"
)

type Config struct {
	URL           string
	Timeout       time.Duration
	RetryMax      int
	SigningSecret string

	// Client credentials; all three empty disables OAuth2.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("DEPLOY_TRIGGER_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	retryMax, err := env.Int("DEPLOY_TRIGGER_RETRY_MAX", 4)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:           strings.TrimSpace(env.String("DEPLOY_TRIGGER_URL", "")),
		Timeout:       timeout,
		RetryMax:      retryMax,
		SigningSecret: env.String("DEPLOY_TRIGGER_SIGNING_SECRET", ""),
		TokenURL:      strings.TrimSpace(env.String("DEPLOY_TRIGGER_TOKEN_URL", "")),
		ClientID:      strings.TrimSpace(env.String("DEPLOY_TRIGGER_CLIENT_ID", "")),
		ClientSecret:  env.String("DEPLOY_TRIGGER_CLIENT_SECRET", ""),
		Scopes:        env.List("DEPLOY_TRIGGER_SCOPES", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a webhook URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

func (c Config) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("DEPLOY_TRIGGER_URL must be an http(s) URL: %q", c.URL)
		}
	}
	if c.Timeout <= 0 {
		return errors.New("DEPLOY_TRIGGER_TIMEOUT must be > 0")
	}
	if c.RetryMax < 0 {
		return errors.New("DEPLOY_TRIGGER_RETRY_MAX must be >= 0")
	}
	set := 0
	for _, v := range []string{c.TokenURL, c.ClientID, c.ClientSecret} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return errors.New("DEPLOY_TRIGGER_TOKEN_URL, DEPLOY_TRIGGER_CLIENT_ID and DEPLOY_TRIGGER_CLIENT_SECRET must be set together")
	}
	return nil
}

func (c Config) oauth2Enabled() bool {
	return c.TokenURL != ""
}

// Event is the webhook body.
type Event struct {
	VerdictID   string    `json:"verdict_id"`
	Kind        string    `json:"kind"`
	ModelName   string    `json:"model_name"`
	Version     int64     `json:"version"`
	FromVersion int64     `json:"from_version,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventFromVerdict maps an actionable verdict; Version is the version the
// deployment layer must serve.
func EventFromVerdict(v domain.Verdict) (Event, error) {
	e := Event{
		VerdictID: v.ID,
		Kind:      string(v.Kind),
		ModelName: v.ModelName,
		CreatedAt: v.CreatedAt,
	}
	switch v.Kind {
	case domain.VerdictPromote:
		e.Version = v.Version
		e.FromVersion = v.ArchivedVersion
		e.RunID = v.CandidateRunID
	case domain.VerdictRollback:
		e.Version = v.ToVersion
		e.FromVersion = v.FromVersion
		e.Trigger = v.Trigger
	default:
		return Event{}, fmt.Errorf("verdict %s is not actionable", v.Kind)
	}
	return e, nil
}

type Client struct {
	url    string
	secret string
	http   *retryablehttp.Client
	now    func() time.Time
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("DEPLOY_TRIGGER_URL is required")
	}

	base := &http.Client{Timeout: cfg.Timeout}
	if cfg.oauth2Enabled() {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
		base = oauth2.NewClient(tokenCtx, cc.TokenSource(tokenCtx))
		base.Timeout = cfg.Timeout
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if logger != nil {
		rc.Logger = logger
	}
	return &Client{url: cfg.URL, secret: cfg.SigningSecret, http: rc, now: time.Now}, nil
}

// Trigger delivers one verdict. Reject verdicts are an error: they must never
// reach the deployment layer.
func (c *Client) Trigger(ctx context.Context, v domain.Verdict) error {
	if c == nil || c.http == nil {
		return errors.New("deploy trigger not initialized")
	}
	event, err := EventFromVerdict(v)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.VerdictID)
	if c.secret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		sig, err := auth.ComputeBodySignature(c.secret, ts, http.MethodPost, body)
		if err != nil {
			return err
		}
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deploy trigger %s: %w", event.VerdictID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("deploy trigger %s: status %d: %s", event.VerdictID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Publish adapts Trigger to the verdict sink contract, skipping non
// actionable verdicts.
func (c *Client) Publish(ctx context.Context, v domain.Verdict) error {
	if !v.Actionable() {
		return nil
	}
	return c.Trigger(ctx, v)
}
