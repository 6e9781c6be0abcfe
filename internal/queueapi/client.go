// Package queueapi implements the HTTP client for the remote application
// queue. The mobile app enqueues swipe-approved jobs there; this service
// lists, claims and reports on them.
package queueapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jobswipe/applyd/internal/autoapply"
)

// Config captures the connection parameters for the queue API.
type Config struct {
	// BaseURL is the queue API root, e.g. https://queue.example.com.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// AuthToken is sent as a bearer token on every request.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
	// Timeout bounds each HTTP request (default 15s).
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequestsPerSecond paces outbound calls (default 5).
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	// Burst is the pacing burst size (default 5).
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// Client talks to the remote queue over HTTP with bearer auth and
// client-side pacing. Safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a Client. The logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("queue.base_url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		token:   cfg.AuthToken,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}, nil
}

type listResponse struct {
	Items []autoapply.QueueItem `json:"items"`
}

type claimRequest struct {
	DeviceID string `json:"device_id"`
}

type claimResponse struct {
	Claimed bool `json:"claimed"`
}

type progressRequest struct {
	Percent int                 `json:"percent"`
	Status  autoapply.JobStatus `json:"status"`
	Message string              `json:"message,omitempty"`
}

type completeRequest struct {
	Result autoapply.ProcessingResult `json:"result"`
}

// ListPending fetches one page of claimable jobs.
func (c *Client) ListPending(ctx context.Context, page, pageSize int) ([]autoapply.QueueItem, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue/pending?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out.Items, nil
}

// Claim asks the queue to assign a job to this device. It returns true
// only when the server explicitly acknowledges the claim; a conflict
// (another device won the race) returns false without error.
func (c *Client) Claim(ctx context.Context, jobID, deviceID string) (bool, error) {
	var out claimResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/queue/"+url.PathEscape(jobID)+"/claim", claimRequest{DeviceID: deviceID}, &out)
	if err != nil {
		var httpErr *StatusError
		if errors.As(err, &httpErr) && httpErr.Code == http.StatusConflict {
			return false, nil
		}
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return out.Claimed, nil
}

// UpdateProgress reports interim status for a claimed job.
func (c *Client) UpdateProgress(ctx context.Context, jobID string, percent int, status autoapply.JobStatus, message string) error {
	body := progressRequest{Percent: percent, Status: status, Message: message}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/"+url.PathEscape(jobID)+"/progress", body, nil); err != nil {
		return fmt.Errorf("update progress for job %s: %w", jobID, err)
	}
	return nil
}

// Complete reports the terminal result for a claimed job.
func (c *Client) Complete(ctx context.Context, jobID string, result autoapply.ProcessingResult) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/"+url.PathEscape(jobID)+"/complete", completeRequest{Result: result}, nil); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// StatusError reports a non-2xx response from the queue API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("queue api status %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path: %w", err)
	}
	endpoint := c.base.ResolveReference(ref).String()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
