// Package upstream sends proxied requests to provider endpoints and
// classifies their failures for the retry loop and circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/tracing"
)

// StatusError captures a non-2xx provider response.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int // 0 when the header was absent or unparsable
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value in seconds form.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// Retryable reports whether a dispatch failure may move to another provider:
// transport errors, 408, 429, and any 5xx. Context cancellation is the
// client's doing and never retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusRequestTimeout ||
			se.StatusCode == http.StatusTooManyRequests ||
			se.StatusCode >= 500
	}
	// Anything that never produced a status line is a transport failure.
	return true
}

// BreakerFailure reports whether a failure should count against the
// provider's circuit breaker. Covers everything retryable plus 401/403,
// which indicate a misconfigured provider credential.
func BreakerFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) &&
		(se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return true
	}
	return Retryable(err)
}

// Response is a successful upstream reply whose body is still streaming.
// Close the body to release the connection and end the trace span.
type Response struct {
	Body        io.ReadCloser
	Header      http.Header
	StatusCode  int
	ContentType string
}

// Client forwards request payloads to provider base URLs.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client. The timeout bounds connection setup and headers;
// streaming bodies are read for as long as the request context lives. The
// transport propagates W3C trace context to the provider.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 0, // streams outlive any fixed deadline; the context governs
			Transport: tracing.HTTPTransport(&http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: timeout,
			}),
		},
	}
}

// forwardedHeaders are client headers passed through to the provider.
var forwardedHeaders = []string{"Content-Type", "Accept", "anthropic-version", "anthropic-beta"}

// Do posts the payload to the provider and returns the streaming response.
// Non-2xx statuses return a *StatusError with the body drained.
func (c *Client) Do(ctx context.Context, provider *store.Provider, path string, payload []byte, inbound http.Header) (*Response, error) {
	ctx, span := otel.Tracer("relaygate.upstream").Start(ctx, "upstream.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.id", provider.ID),
			attribute.String("http.url", provider.BaseURL+path),
		),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		span.End()
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for _, h := range forwardedHeaders {
		if v := inbound.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	setAuth(req, provider)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if readErr != nil {
			body = []byte(fmt.Sprintf("(unreadable body: %v)", readErr))
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return &Response{
		Body:        &spanCloser{ReadCloser: resp.Body, span: span},
		Header:      resp.Header,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// setAuth replaces any client credential with the provider's own. Claude
// endpoints take x-api-key; codex endpoints take a bearer token.
func setAuth(req *http.Request, provider *store.Provider) {
	req.Header.Del("Authorization")
	req.Header.Del("x-api-key")
	switch provider.Type {
	case store.ProviderTypeClaude:
		req.Header.Set("x-api-key", provider.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

// spanCloser ends the request span when the caller finishes the stream.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
