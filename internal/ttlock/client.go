// Package ttlock is a client for the TTLock cloud API. It attaches the access
// token, absorbs rate limiting and transient faults, refreshes once on auth
// rejection, and serializes calls that go through a lock's gateway.
package ttlock

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

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// Vendor errcodes that mean the access token was not accepted.
var authErrcodes = map[int]struct{}{
	10003: {},
	10004: {},
}

// DefaultRateLimitCodes are vendor errcodes treated like HTTP 429.
var DefaultRateLimitCodes = []int{-3003}

const maxResponseBytes = 4 << 20

// CredentialSource supplies access tokens.
type CredentialSource interface {
	Credential(ctx context.Context) (models.Credential, error)
	ForceRefresh(ctx context.Context, rejectedToken string) (models.Credential, error)
}

// Observer receives per-request outcomes, for metrics.
type Observer interface {
	ObserveRequest(op, outcome string, elapsed time.Duration)
	ObserveRetry(op, reason string)
}

// Config holds the client settings.
type Config struct {
	BaseURL        string
	ClientID       string
	Timeout        time.Duration
	Retry          RetryPolicy
	RateLimitCodes []int
}

// Client calls the TTLock cloud.
type Client struct {
	baseURL    *url.URL
	clientID   string
	retry      RetryPolicy
	rateCodes  map[int]struct{}
	creds      CredentialSource
	httpClient *http.Client
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	// gateway admits one gateway-routed call at a time.
	gateway chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver installs a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithClock overrides the time source used for the request date parameter.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Client.
func New(cfg Config, creds CredentialSource, logger *slog.Logger, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("ttlock: credential source required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("ttlock: client id required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ttlock: base url: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	codes := cfg.RateLimitCodes
	if codes == nil {
		codes = DefaultRateLimitCodes
	}
	rateCodes := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		rateCodes[code] = struct{}{}
	}

	c := &Client{
		baseURL:    base,
		clientID:   cfg.ClientID,
		retry:      cfg.Retry,
		rateCodes:  rateCodes,
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "ttlock"),
		now:        time.Now,
		gateway:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type request struct {
	op      string
	method  string
	path    string
	params  url.Values
	gateway bool
	// noReplay marks calls the cloud may have applied before a lost
	// response; transport faults are returned instead of retried.
	noReplay bool
}

type envelope struct {
	Errcode     *int   `json:"errcode"`
	Errmsg      string `json:"errmsg"`
	Description string `json:"description"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeAuth
	outcomeRateLimited
	outcomeTransient
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeAuth:
		return "auth"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeTransient:
		return "transient"
	default:
		return "failed"
	}
}

type response struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// call runs req to completion and decodes the success body into out.
func (c *Client) call(ctx context.Context, req request, out any) error {
	start := time.Now()
	err := c.callWithPolicy(ctx, req, out)
	if c.observer != nil {
		result := "ok"
		switch {
		case err == nil:
		case IsRateLimited(err):
			result = "rate_limited"
		case IsRemote(err):
			result = "remote_error"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			result = "cancelled"
		default:
			result = "error"
		}
		c.observer.ObserveRequest(req.op, result, time.Since(start))
	}
	return err
}

func (c *Client) callWithPolicy(ctx context.Context, req request, out any) error {
	if req.gateway {
		release, err := c.acquireGateway(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", req.op, err)
		}
		defer release()
	}

	cred, err := c.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", req.op, err)
	}

	refreshed := false
	retries := 0
	for {
		resp, sendErr := c.send(ctx, req, cred.AccessToken)
		result, remoteErr := c.classify(req.op, resp, sendErr)
		if sendErr != nil && ctx.Err() != nil {
			return fmt.Errorf("%s: %w", req.op, ctx.Err())
		}

		switch result {
		case outcomeOK:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				return &RemoteError{Op: req.op, Code: CodeMalformed, Message: err.Error()}
			}
			return nil

		case outcomeAuth:
			if refreshed {
				return fmt.Errorf("%s: token rejected after refresh: %w", req.op, remoteErr)
			}
			refreshed = true
			c.logger.Info("access token rejected, refreshing", "op", req.op)
			cred, err = c.creds.ForceRefresh(ctx, cred.AccessToken)
			if err != nil {
				return fmt.Errorf("%s: %w", req.op, err)
			}
			continue

		case outcomeRateLimited, outcomeTransient:
			if result == outcomeTransient && req.noReplay {
				return fmt.Errorf("%s: %w", req.op, sendErr)
			}
			retries++
			if !c.retry.Allows(retries) {
				if result == outcomeRateLimited {
					return &RateLimitedError{Op: req.op, Attempts: retries}
				}
				return fmt.Errorf("%s: %w", req.op, sendErr)
			}
			delay := c.retry.Delay(retries)
			if resp.retryAfter > delay {
				delay = resp.retryAfter
			}
			c.logger.Debug("retrying cloud request",
				"op", req.op, "reason", result.String(), "attempt", retries, "delay", delay)
			if c.observer != nil {
				c.observer.ObserveRetry(req.op, result.String())
			}
			if err := sleepContext(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w", req.op, err)
			}
			continue

		default:
			return remoteErr
		}
	}
}

func (c *Client) classify(op string, resp response, sendErr error) (outcome, *RemoteError) {
	if sendErr != nil {
		return outcomeTransient, nil
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		return outcomeAuth, &RemoteError{Op: op, Code: resp.status, Message: http.StatusText(resp.status), HTTP: true}
	case resp.status == http.StatusTooManyRequests:
		return outcomeRateLimited, nil
	case resp.status < 200 || resp.status > 299:
		return outcomeFailed, &RemoteError{Op: op, Code: resp.status, Message: snippet(resp.body), HTTP: true}
	}

	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return outcomeFailed, &RemoteError{Op: op, Code: CodeMalformed, Message: err.Error()}
	}
	if env.Errcode == nil || *env.Errcode == 0 {
		return outcomeOK, nil
	}
	code := *env.Errcode
	msg := env.Errmsg
	if msg == "" {
		msg = env.Description
	}
	if _, ok := authErrcodes[code]; ok {
		return outcomeAuth, &RemoteError{Op: op, Code: code, Message: msg}
	}
	if _, ok := c.rateCodes[code]; ok {
		return outcomeRateLimited, nil
	}
	return outcomeFailed, &RemoteError{Op: op, Code: code, Message: msg}
}

func (c *Client) send(ctx context.Context, req request, accessToken string) (response, error) {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: req.path})

	auth := url.Values{}
	auth.Set("clientId", c.clientID)
	auth.Set("accessToken", accessToken)
	auth.Set("date", strconv.FormatInt(c.now().UnixMilli(), 10))

	var body io.Reader
	if req.method == http.MethodGet {
		query := auth
		for key, values := range req.params {
			for _, v := range values {
				query.Add(key, v)
			}
		}
		endpoint.RawQuery = query.Encode()
	} else {
		endpoint.RawQuery = auth.Encode()
		body = strings.NewReader(req.params.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint.String(), body)
	if err != nil {
		return response{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("reading response: %w", err)
	}
	return response{
		status:     resp.StatusCode,
		body:       data,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}, nil
}

// acquireGateway blocks until the gateway slot is free or ctx ends.
func (c *Client) acquireGateway(ctx context.Context) (func(), error) {
	select {
	case c.gateway <- struct{}{}:
		return func() { <-c.gateway }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
