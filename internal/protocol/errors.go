package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/model-router/internal/domain"
)

// Kind is the dialect-independent class of a client-facing error.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindUnknownAlias   Kind = "unknown_alias"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "upstream_timeout"
	KindUpstream       Kind = "upstream_error"
	KindParsing        Kind = "parsing_error"
	KindCanceled       Kind = "canceled"
	KindInternal       Kind = "internal_error"
)

// StatusClientClosedRequest is reported when the client went away first.
const StatusClientClosedRequest = 499

// Classification is how an error is surfaced to the client.
type Classification struct {
	Kind    Kind
	Status  int
	Message string
	// Upstream is set when the error came from a provider response.
	Upstream *domain.UpstreamError
}

// ClassifyError maps err onto an HTTP status and error kind.
func ClassifyError(err error) Classification {
	var (
		upstreamErr *domain.UpstreamError
		requestErr  *domain.RequestError
		aliasErr    *domain.AliasError
	)

	// Wrap prefixes name internal call sites, so client messages come from
	// the typed error alone.
	switch {
	case errors.As(err, &requestErr):
		return Classification{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: requestErr.Error()}

	case errors.Is(err, domain.ErrInvalidRequest):
		return Classification{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: domain.ErrInvalidRequest.Error()}

	case errors.As(err, &aliasErr):
		return Classification{Kind: KindUnknownAlias, Status: http.StatusNotFound, Message: fmt.Sprintf("model %q is not configured", aliasErr.Alias)}

	case errors.Is(err, domain.ErrUnknownAlias):
		return Classification{Kind: KindUnknownAlias, Status: http.StatusNotFound, Message: "model is not configured"}

	case errors.Is(err, domain.ErrRateLimitExceeded):
		return Classification{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Message: "rate limit exceeded"}

	case errors.Is(err, domain.ErrUpstreamTimeout):
		return Classification{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Message: "upstream did not respond in time"}

	case errors.As(err, &upstreamErr):
		status := upstreamErr.Status
		if status < http.StatusBadRequest || status > 599 {
			status = http.StatusBadGateway
		}
		return Classification{
			Kind:     KindUpstream,
			Status:   status,
			Message:  upstreamMessage(upstreamErr.Body),
			Upstream: upstreamErr,
		}

	case errors.Is(err, domain.ErrParsing):
		return Classification{Kind: KindParsing, Status: http.StatusBadGateway, Message: "upstream response could not be decoded"}

	case errors.Is(err, domain.ErrUpstream):
		return Classification{Kind: KindUpstream, Status: http.StatusBadGateway, Message: "upstream request failed"}

	case errors.Is(err, context.Canceled):
		return Classification{Kind: KindCanceled, Status: StatusClientClosedRequest, Message: "request canceled"}

	default:
		return Classification{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
	}
}

// upstreamMessage pulls error.message out of an OpenAI- or Anthropic-shaped
// error body and falls back to the raw body.
func upstreamMessage(body string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if body == "" {
		return "upstream request failed"
	}
	return body
}
