// Package sink is the outbound HTTP side shared by the AudioHook ingress
// and the vendor connector: JSON POSTs with bounded linear-backoff retries,
// and a thin Poster for the internal audio/event sinks.
package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/callpulse/callpulse/internal/observe"
)

// ErrExhausted wraps the last error after every retry attempt failed.
var ErrExhausted = errors.New("sink: retry attempts exhausted")

// StatusError is a non-2xx response. Fatal statuses abort the retry loop
// immediately.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink: unexpected status %d: %s", e.StatusCode, e.Body)
}

// retryableStatus lists responses worth another attempt. Everything else
// in 4xx/5xx is fatal.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// HeaderFunc supplies request headers, re-evaluated on every attempt so a
// refreshed token is picked up mid-retry.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// StaticHeaders adapts a fixed header set to a [HeaderFunc].
func StaticHeaders(h http.Header) HeaderFunc {
	return func(context.Context) (http.Header, error) { return h, nil }
}

// Client issues JSON requests with retries. Backoff is linear:
// backoff * max(1, attempt-1) between attempts.
type Client struct {
	http        *http.Client
	maxAttempts int
	backoff     time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics

	// onUnauthorized runs when a 401 comes back, before the next attempt.
	// The connector uses it to drop its cached OAuth token.
	onUnauthorized func()
}

// Option configures a [Client].
type Option func(*Client)

// WithUnauthorizedHook installs the 401 callback. With a hook installed,
// 401 responses are retried; without one they are fatal.
func WithUnauthorizedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithMetrics attaches the shared instrument set.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client. verifySSL=false disables TLS certificate checks,
// for lab environments only.
func New(timeout time.Duration, maxAttempts int, backoff time.Duration, verifySSL bool, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	transport := http.DefaultTransport
	if !verifySSL {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout, Transport: transport},
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DoJSON sends body (JSON-encoded when non-nil) and decodes a 2xx response
// into out when out is non-nil. Retryable failures are attempted up to the
// configured limit; the context aborts waits immediately.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers HeaderFunc, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sink: encode request body: %w", err)
		}
	}

	return c.do(ctx, method, url, headers, "application/json", encoded, out)
}

// DoForm POSTs a form-urlencoded body with the same retry policy as
// [Client.DoJSON]. The OAuth token endpoint is the only caller.
func (c *Client) DoForm(ctx context.Context, url string, headers HeaderFunc, form neturl.Values, out any) error {
	return c.do(ctx, http.MethodPost, url, headers, "application/x-www-form-urlencoded", []byte(form.Encode()), out)
}

func (c *Client) do(ctx context.Context, method, url string, headers HeaderFunc, contentType string, body []byte, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff * time.Duration(max(1, attempt-1))
			c.log.Debug("retrying request", "url", url, "attempt", attempt, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		retryable, err := c.attempt(ctx, method, url, headers, contentType, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, c.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, headers HeaderFunc, contentType string, body []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return false, fmt.Errorf("sink: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if headers != nil {
		h, err := headers(ctx)
		if err != nil {
			return false, fmt.Errorf("sink: build headers: %w", err)
		}
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Network errors are always retryable.
		return true, fmt.Errorf("sink: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("sink: decode response: %w", err)
		}
		return false, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}

	if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
		c.onUnauthorized()
		return true, statusErr
	}
	return retryableStatus[resp.StatusCode], statusErr
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poster POSTs payloads to one internal sink URL, tagging requests with
// the shared ingest token. In dry-run mode payloads are logged instead.
type Poster struct {
	client *Client
	url    string
	token  string
	name   string
	dryRun bool
	log    *slog.Logger
}

// NewPoster creates a Poster named name (used in logs and metrics).
func NewPoster(client *Client, name, url, token string, dryRun bool, log *slog.Logger) *Poster {
	if log == nil {
		log = slog.Default()
	}
	return &Poster{client: client, url: url, token: token, name: name, dryRun: dryRun, log: log}
}

// Post delivers one payload, retrying per the client policy. Failures
// after the final attempt are recorded on the forward-failure counter.
func (p *Poster) Post(ctx context.Context, payload any) error {
	if p.dryRun {
		p.log.Info("dry run, skipping sink POST", "sink", p.name, "url", p.url)
		return nil
	}
	h := http.Header{}
	if p.token != "" {
		h.Set("X-Cloud-Token", p.token)
	}
	start := time.Now()
	err := p.client.DoJSON(ctx, http.MethodPost, p.url, StaticHeaders(h), payload, nil)
	p.client.metrics.SinkTook(ctx, p.name, time.Since(start))
	if err != nil {
		p.client.metrics.ForwardFailed(ctx, p.name)
		return fmt.Errorf("sink: post to %s: %w", p.name, err)
	}
	return nil
}
