package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
)

func testRequest() *domain.RequestContext {
	return &domain.RequestContext{
		Alias:     "claude-sonnet-4-5",
		System:    "You review pull requests.",
		Messages:  []domain.Message{{Role: "user", Content: "Say hi"}},
		MaxTokens: 10,
	}
}

func TestBuildRequest(t *testing.T) {
	req := testRequest()
	req.Messages = append(req.Messages, domain.Message{Role: "assistant", Content: "hi"}, domain.Message{Role: "user", Content: "again"})

	out := BuildRequest("claude-sonnet-4-5-20250929", req)

	if out.Model != "claude-sonnet-4-5-20250929" || out.MaxTokens != 10 {
		t.Errorf("model/max_tokens = %s/%d", out.Model, out.MaxTokens)
	}
	if len(out.System) != 1 || out.System[0].CacheControl == nil {
		t.Errorf("system = %+v, want one cached block", out.System)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(out.Messages))
	}
	if out.Messages[0].Content[0].CacheControl != nil {
		t.Error("only the last message should carry a cache breakpoint")
	}
	if out.Messages[2].Content[0].CacheControl == nil {
		t.Error("last message should carry a cache breakpoint")
	}

	req.MaxTokens = 0
	if got := BuildRequest("m", req).MaxTokens; got != defaultMaxTokens {
		t.Errorf("default MaxTokens = %d, want %d", got, defaultMaxTokens)
	}
}

func TestProvider_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s, want /messages", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version")
		}

		var body MessagesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "claude-sonnet-4-5-20250929" {
			t.Errorf("model = %s", body.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [{"type": "text", "text": "Hi"}, {"type": "text", "text": " there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3, "cache_read_input_tokens": 2000, "cache_creation_input_tokens": 100}
		}`)
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	c, err := p.Complete(context.Background(), "claude-sonnet-4-5-20250929", testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if c.Content != "Hi there" {
		t.Errorf("Content = %q", c.Content)
	}
	if c.FinishReason != domain.FinishStop {
		t.Errorf("FinishReason = %q", c.FinishReason)
	}
	want := domain.Usage{PromptTokens: 2112, CompletionTokens: 3, CacheReadTokens: 2000, CacheCreationTokens: 100}
	if c.Usage != want {
		t.Errorf("Usage = %+v, want %+v", c.Usage, want)
	}
}

func TestProvider_Complete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
		status  int
	}{
		{
			name: "upstream status passes through",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			},
			want:   domain.ErrUpstream,
			status: http.StatusTooManyRequests,
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"id": `)
			},
			want: domain.ErrParsing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := New("sk-test", server.URL, server.Client())
			_, err := p.Complete(context.Background(), "m", testRequest())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}

			var upstreamErr *domain.UpstreamError
			if tt.status != 0 && (!errors.As(err, &upstreamErr) || upstreamErr.Status != tt.status) {
				t.Errorf("expected upstream status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestProvider_Complete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, "m", testRequest())
	if !errors.Is(err, domain.ErrUpstreamTimeout) {
		t.Errorf("error = %v, want ErrUpstreamTimeout", err)
	}
}

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[],"usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: ping
data: {"type":"ping"}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

func collect(frames <-chan domain.StreamFrame, errs <-chan error) ([]domain.StreamFrame, error) {
	var out []domain.StreamFrame
	for f := range frames {
		out = append(out, f)
	}
	return out, <-errs
}

func TestProvider_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body MessagesRequest
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, streamBody)
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	frames, err := collect(p.Stream(context.Background(), "claude-sonnet-4-5-20250929", testRequest()))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var text strings.Builder
	var finish string
	var usage domain.Usage
	for _, f := range frames {
		text.WriteString(f.Delta)
		if f.FinishReason != "" {
			finish = f.FinishReason
		}
		if f.Usage != nil {
			if f.Usage.PromptTokens != 0 {
				usage.PromptTokens = f.Usage.PromptTokens
			}
			if f.Usage.CompletionTokens != 0 {
				usage.CompletionTokens = f.Usage.CompletionTokens
			}
		}
		if f.ID != "msg_01" {
			t.Errorf("frame ID = %q, want msg_01", f.ID)
		}
	}

	if text.String() != "Hi there" {
		t.Errorf("text = %q", text.String())
	}
	if finish != domain.FinishStop {
		t.Errorf("finish = %q", finish)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestProvider_Stream_Truncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Split(streamBody, "event: message_delta")[0])
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	_, err := collect(p.Stream(context.Background(), "m", testRequest()))
	if !errors.Is(err, domain.ErrParsing) {
		t.Errorf("error = %v, want ErrParsing", err)
	}
}

func TestProvider_Stream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	_, err := collect(p.Stream(context.Background(), "m", testRequest()))

	var upstreamErr *domain.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("error = %v, want *domain.UpstreamError", err)
	}
	if upstreamErr.Status != 529 {
		t.Errorf("Status = %d, want 529", upstreamErr.Status)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s, want /models", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer server.Close()

	p := New("sk-test", server.URL, server.Client())
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	status = http.StatusUnauthorized
	if err := p.HealthCheck(context.Background()); !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("HealthCheck() error = %v, want ErrUpstream", err)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      domain.FinishStop,
		"stop_sequence": domain.FinishStop,
		"max_tokens":    domain.FinishLength,
		"tool_use":      "tool_use",
	}
	for in, want := range tests {
		if got := MapStopReason(in); got != want {
			t.Errorf("MapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
