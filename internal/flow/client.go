// Package flow is the HTTP client for the asynchronous video generation
// backend: image upload, scene submission and batched status checks.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/storyreel/storyreel-agent/internal/credentials"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/metrics"
)

const (
	DefaultBaseURL   = "https://aisandbox-pa.googleapis.com/v1"
	DefaultProjectID = "87b19267-13d6-49cd-a7ed-db19a90c9339"

	DefaultOrigin    = "https://labs.google"
	DefaultReferer   = "https://labs.google/"
	DefaultUserAgent = "Mozilla/5.0"

	DefaultConnectTimeout = 20 * time.Second
	DefaultReadTimeout    = 180 * time.Second
	DefaultRetryBackoff   = 700 * time.Millisecond
	DefaultMaxAttempts    = 9
	DefaultUploadSettle   = time.Second

	maxErrorBody = 4096
)

// Endpoints are the absolute URLs of the backend operations.
type Endpoints struct {
	UploadImage  string
	ImageToVideo string
	TextToVideo  string
	BatchCheck   string
}

// EndpointsFor builds the endpoint set under a base URL.
func EndpointsFor(baseURL string) Endpoints {
	base := strings.TrimRight(baseURL, "/")
	return Endpoints{
		UploadImage:  base + "/flow/uploadImage",
		ImageToVideo: base + "/video:batchAsyncGenerateVideoStartImage",
		TextToVideo:  base + "/video:batchAsyncGenerateVideoText",
		BatchCheck:   base + "/video:batchCheckAsyncVideoGenerationStatus",
	}
}

// ResolveProjectID falls back to the shared default project when id is
// missing or too short to be a real project id.
func ResolveProjectID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) < 10 {
		return DefaultProjectID
	}
	return id
}

// Config tunes a Client. Zero values take the package defaults; a negative
// RetryBackoff or UploadSettle disables the wait.
type Config struct {
	Endpoints      Endpoints
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryBackoff   time.Duration
	MaxAttempts    int
	// UploadSettle is waited after an image upload, and before the first
	// generate call when the scene already carries a media id.
	UploadSettle time.Duration

	Origin    string
	Referer   string
	UserAgent string

	// FormatPrompt turns a stored prompt payload into the text sent to the
	// backend. Identity when nil.
	FormatPrompt func(string) string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Endpoints == (Endpoints{}) {
		c.Endpoints = EndpointsFor(DefaultBaseURL)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	} else if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.UploadSettle == 0 {
		c.UploadSettle = DefaultUploadSettle
	} else if c.UploadSettle < 0 {
		c.UploadSettle = 0
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.Referer == "" {
		c.Referer = DefaultReferer
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.FormatPrompt == nil {
		c.FormatPrompt = func(s string) string { return s }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client talks to the video backend with tokens from a credential pool.
type Client struct {
	cfg        Config
	pool       *credentials.Pool
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewClient(pool *credentials.Pool, cfg Config) *Client {
	cfg = cfg.withDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		}
	}

	return &Client{
		cfg:        cfg,
		pool:       pool,
		httpClient: httpClient,
		logger:     logging.WithComponent(cfg.Logger, "flow"),
		metrics:    cfg.Metrics,
	}
}

// Pool exposes the credential pool backing this client.
func (c *Client) Pool() *credentials.Pool {
	return c.pool
}

// post sends payload with token rotation. An authentication failure flags
// the token and moves to the next one immediately. Transient failures wait
// RetryBackoff times the attempt number and retry on the same token. Other
// failures are returned as is.
func (c *Client) post(ctx context.Context, endpoint, url string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	usable := c.pool.Usable()
	maxAttempts := min(3*len(usable), c.cfg.MaxAttempts)
	maxSkips := 2 * c.pool.Size()

	var (
		attempts, skips int
		token           string
		lastErr         error
	)
	for attempts < maxAttempts && skips < maxSkips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if token == "" {
			candidate := c.pool.Next()
			if c.pool.IsInvalid(candidate) {
				skips++
				continue
			}
			token = candidate
		}
		skips = 0
		attempts++

		data, err := c.do(ctx, url, token, body)
		if err == nil {
			c.metrics.RecordBackendRequest(endpoint, "ok")
			return data, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		kind := KindOf(err)
		c.metrics.RecordBackendRequest(endpoint, kind.String())

		switch kind {
		case KindAuth:
			c.pool.MarkInvalid(token)
			c.metrics.RecordTokenInvalidated()
			c.logger.Warn("token rejected, rotating",
				"endpoint", endpoint,
				"token", c.pool.Label(token),
			)
			token = ""
		case KindTransient:
			delay := c.cfg.RetryBackoff * time.Duration(attempts)
			c.logger.Warn("backend request failed, retrying",
				"endpoint", endpoint,
				"attempt", attempts,
				"max_attempts", maxAttempts,
				"delay", delay,
				"error", err,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoUsableToken
}

func (c *Client) do(ctx context.Context, url, token string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Origin", c.cfg.Origin)
	req.Header.Set("Referer", c.cfg.Referer)
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data := map[string]any{}
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
			c.logger.Debug("backend returned a non-JSON body", "error", err)
			return map[string]any{}, nil
		}
		return data, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorText(respBody),
		Body:       string(respBody),
	}
}

// errorText prefers error.message from a JSON error body.
func errorText(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		if parsed.Error.Status != "" {
			return parsed.Error.Status + ": " + parsed.Error.Message
		}
		return parsed.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
