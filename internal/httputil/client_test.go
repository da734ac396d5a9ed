package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"Timeout", cfg.Timeout, 180 * time.Second},
		{"DialTimeout", cfg.DialTimeout, 10 * time.Second},
		{"TLSHandshakeTimeout", cfg.TLSHandshakeTimeout, 10 * time.Second},
		{"ResponseHeaderTimeout", cfg.ResponseHeaderTimeout, 180 * time.Second},
		{"IdleConnTimeout", cfg.IdleConnTimeout, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.MaxIdleConns != 100 {
		t.Errorf("MaxIdleConns = %d, want 100", cfg.MaxIdleConns)
	}
}

func TestWithTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{"custom", 30 * time.Second, 30 * time.Second},
		{"zero keeps default", 0, 180 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := WithTimeout(tt.timeout)
			if client.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", client.Timeout, tt.want)
			}
			transport, ok := client.Transport.(*http.Transport)
			if !ok {
				t.Fatal("expected *http.Transport")
			}
			if transport.ResponseHeaderTimeout != tt.want {
				t.Errorf("ResponseHeaderTimeout = %v, want %v", transport.ResponseHeaderTimeout, tt.want)
			}
			if transport.TLSHandshakeTimeout != 10*time.Second || transport.MaxIdleConnsPerHost != 10 || transport.IdleConnTimeout != 90*time.Second {
				t.Errorf("transport = %+v, want the pooled defaults", transport)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		notWant error
	}{
		{"deadline", context.DeadlineExceeded, domain.ErrUpstreamTimeout, domain.ErrUpstream},
		{"net timeout", timeoutErr{}, domain.ErrUpstreamTimeout, domain.ErrUpstream},
		{"canceled", context.Canceled, context.Canceled, domain.ErrUpstream},
		{"connection refused", errors.New("connection refused"), domain.ErrUpstream, domain.ErrUpstreamTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError("anthropic", tt.err)
			if !errors.Is(err, tt.want) {
				t.Errorf("ClassifyError() = %v, want %v", err, tt.want)
			}
			if errors.Is(err, tt.notWant) {
				t.Errorf("ClassifyError() = %v, must not match %v", err, tt.notWant)
			}
		})
	}

	if ClassifyError("x", nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestStatusError(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(strings.NewReader(`{"error":"slow down"}`)),
	}

	err := StatusError("openai", resp)

	var upstreamErr *domain.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected *domain.UpstreamError, got %T", err)
	}
	if upstreamErr.Status != http.StatusTooManyRequests || upstreamErr.Provider != "openai" {
		t.Errorf("UpstreamError = %+v", upstreamErr)
	}
	if !errors.Is(err, domain.ErrUpstream) {
		t.Error("status error should wrap ErrUpstream")
	}
}

func TestParseError(t *testing.T) {
	err := ParseError("bedrock", errors.New("unexpected EOF"))
	if !errors.Is(err, domain.ErrParsing) {
		t.Errorf("ParseError() = %v, want ErrParsing", err)
	}
}
