package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
)

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 64 << 10

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// DefaultConfig suits large prompts: the upstream may take minutes before
// sending response headers.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               180 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 180 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}

// WithTimeout returns a client using timeout for both the whole call and
// the wait for response headers.
func WithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
		cfg.ResponseHeaderTimeout = timeout
	}
	return NewClient(cfg)
}

// ClassifyError maps a transport error from an upstream call. Timeouts wrap
// domain.ErrUpstreamTimeout; a cancelled context is returned as is so the
// caller can tell a client disconnect apart from an upstream failure.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("call %s: %w", provider, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("call %s: %w: %w", provider, domain.ErrUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("call %s: %w: %w", provider, domain.ErrUpstreamTimeout, err)
	}

	return fmt.Errorf("call %s: %w: %w", provider, domain.ErrUpstream, err)
}

// StatusError reads a non-2xx response into a *domain.UpstreamError.
func StatusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &domain.UpstreamError{
		Provider: provider,
		Status:   resp.StatusCode,
		Body:     string(body),
	}
}

// ParseError wraps a decoding failure of an upstream body.
func ParseError(provider string, err error) error {
	return fmt.Errorf("decode %s response: %w: %w", provider, domain.ErrParsing, err)
}

// BodyError classifies a failure while reading an upstream body. Timeouts
// and cancellation keep their meaning; anything else is a parsing error.
func BodyError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ClassifyError(provider, ctx.Err())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassifyError(provider, err)
	}

	return ParseError(provider, err)
}
