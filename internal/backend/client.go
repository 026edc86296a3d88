// Package backend is the HTTP client for the generation endpoint: it posts
// assembled requests and hands the raw response body to the stream decoder.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chatSvc "fable/internal/domain/services/chat"
)

// Client implements chatSvc.Generator over a KoboldCPP-compatible
// generation endpoint.
type Client struct {
	baseURL         string
	name            string
	serverFiltering bool
	httpClient      *http.Client
	logger          *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithServerFiltering marks the backend as applying word filtering itself,
// so the orchestrator skips the client-side substitution pass.
func WithServerFiltering() Option {
	return func(cl *Client) { cl.serverFiltering = true }
}

// NewClient creates a generation client for the given base URL.
func NewClient(baseURL, name string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    name,
		logger:  logger,
		httpClient: &http.Client{
			// No overall timeout: streaming responses stay open for the
			// duration of a generation. Cancellation comes from ctx.
			Timeout: 0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the backend name.
func (c *Client) Name() string {
	return c.name
}

// SupportsServerFiltering reports whether the backend filters server-side.
func (c *Client) SupportsServerFiltering() bool {
	return c.serverFiltering
}

// Generate posts one generation request and returns the raw response body.
// The caller owns closing the body; the stream decoder does so on every exit
// path. Non-2xx responses are drained, closed and returned as errors.
func (c *Client) Generate(ctx context.Context, input *chatSvc.GenerationInput) (io.ReadCloser, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	url := c.baseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if input.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Debug("generation request accepted",
		"backend", c.name,
		"stream", input.Stream,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return resp.Body, nil
}
