// Package openai calls any OpenAI-compatible chat completions endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/httputil"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	maxSSELine     = 1 << 20
)

type Provider struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a client for baseURL. id names the upstream in logs and
// errors, for example "openai" or "zai".
func New(id, apiKey, baseURL string, client *http.Client) *Provider {
	if id == "" {
		id = "openai"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error) {
	body, err := json.Marshal(buildRequest(model, req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, httputil.ClassifyError(p.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httputil.StatusError(p.id, resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, httputil.BodyError(ctx, p.id, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, httputil.ParseError(p.id, fmt.Errorf("response has no choices"))
	}

	choice := chatResp.Choices[0]
	return &domain.Completion{
		ID:           chatResp.ID,
		Model:        chatResp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        chatResp.Usage.domain(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error) {
	frames := make(chan domain.StreamFrame)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		body, err := json.Marshal(buildRequest(model, req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", body)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- httputil.ClassifyError(p.id, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- httputil.StatusError(p.id, resp)
			return
		}

		finished := false
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				errs <- httputil.ParseError(p.id, err)
				return
			}

			frame := domain.StreamFrame{ID: chunk.ID, Model: chunk.Model}
			if len(chunk.Choices) > 0 {
				frame.Delta = chunk.Choices[0].Delta.Content
				if fr := chunk.Choices[0].FinishReason; fr != nil {
					frame.FinishReason = *fr
					finished = true
				}
			}
			if chunk.Usage != nil {
				usage := chunk.Usage.domain()
				frame.Usage = &usage
			}

			select {
			case frames <- frame:
			case <-ctx.Done():
				errs <- httputil.ClassifyError(p.id, ctx.Err())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- httputil.BodyError(ctx, p.id, err)
			return
		}
		// Some compatible servers close without the [DONE] sentinel.
		if !finished {
			errs <- httputil.ParseError(p.id, fmt.Errorf("stream ended without finish_reason"))
		}
	}()

	return frames, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return httputil.ClassifyError(p.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httputil.StatusError(p.id, resp)
	}

	return nil
}

func (p *Provider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	return httpReq, nil
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chatUsage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        chatMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u chatUsage) domain() domain.Usage {
	usage := domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

// buildRequest sends the system prompt as a leading system message.
func buildRequest(model string, req *domain.RequestContext, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}
