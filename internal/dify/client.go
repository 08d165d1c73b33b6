package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBaseURL is the hosted Dify API.
const DefaultBaseURL = "https://api.dify.ai/v1"

var tracer = otel.Tracer("difyrelay.dify")

// Config holds client configuration.
type Config struct {
	APIKey  string
	BaseURL string

	// HTTPClient defaults to a client without a global timeout.
	HTTPClient *http.Client

	// Timeout bounds each upstream request. For streams it bounds the wait
	// for response headers only, never the body. Zero leaves deadlines to
	// the caller's context.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client calls the Dify application API with one API key. It holds no
// per-conversation state and is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New validates cfg and returns a client. It does not contact the provider.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		http:    httpClient,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestBody struct {
	reader      io.Reader
	contentType string
}

func jsonBody(v any) (*requestBody, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &requestBody{reader: bytes.NewReader(data), contentType: "application/json"}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body *requestBody) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		r = body.reader
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	return req, nil
}

// send executes req and returns the response if its status is 2xx. Any
// other status is drained, closed and returned as *APIError.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}

	c.logger.Debug("Dify API response",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

// doJSON performs one blocking request and decodes the JSON reply into out.
// An empty reply body leaves out untouched.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) (err error) {
	ctx, span := startSpan(ctx, op, method, path)
	defer func() { endSpan(span, err) }()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body *requestBody
	if in != nil {
		if body, err = jsonBody(in); err != nil {
			return err
		}
	}
	return c.roundTrip(ctx, method, path, query, body, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body *requestBody, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return c.timeoutError(ctx, err)
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// timeoutError reports ErrTimeout when err was caused by the client's own
// deadline rather than the caller's.
func (c *Client) timeoutError(ctx context.Context, err error) error {
	if c.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, c.timeout, err)
	}
	return err
}

func startSpan(ctx context.Context, op, method, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dify."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("dify.path", path),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			span.SetAttributes(attribute.Int("http.response.status_code", apiErr.StatusCode))
		}
	}
	span.End()
}
