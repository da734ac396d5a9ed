package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownAlias      = errors.New("unknown model alias")
	ErrConfiguration     = errors.New("configuration error")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstream          = errors.New("upstream error")
	ErrParsing           = errors.New("upstream response parsing error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// UpstreamError carries the status and body returned by a provider so the
// HTTP layer can pass them through in the client's dialect.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstream
}

// RequestError is an ErrInvalidRequest whose Reason is safe to show the
// client however deeply it is wrapped.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return ErrInvalidRequest.Error() + ": " + e.Reason
}

func (e *RequestError) Unwrap() error {
	return ErrInvalidRequest
}

// InvalidRequestf builds a RequestError.
func InvalidRequestf(format string, args ...any) error {
	return &RequestError{Reason: fmt.Sprintf(format, args...)}
}

// AliasError is an ErrUnknownAlias naming the alias that was asked for.
type AliasError struct {
	Alias string
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownAlias, e.Alias)
}

func (e *AliasError) Unwrap() error {
	return ErrUnknownAlias
}
