// Package ollama calls a self-hosted Ollama server through its native chat
// API. Ollama reports no cache counters.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/httputil"
)

const (
	defaultBaseURL = "http://localhost:11434"
	maxLine        = 1 << 20
)

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return "ollama"
}

func (p *Provider) Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error) {
	body, err := json.Marshal(toChatRequest(model, req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, httputil.ClassifyError(p.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httputil.StatusError(p.ID(), resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, httputil.BodyError(ctx, p.ID(), err)
	}

	return &domain.Completion{
		ID:           completionID(),
		Model:        chatResp.Model,
		Content:      chatResp.Message.Content,
		FinishReason: finishReason(chatResp.DoneReason),
		Usage:        chatResp.usage(),
	}, nil
}

// Stream reads the newline-delimited JSON stream. Counters arrive on the
// final object, the one with done set.
func (p *Provider) Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error) {
	frames := make(chan domain.StreamFrame)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		body, err := json.Marshal(toChatRequest(model, req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := p.newRequest(ctx, http.MethodPost, "/api/chat", body)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- httputil.ClassifyError(p.ID(), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- httputil.StatusError(p.ID(), resp)
			return
		}

		id := completionID()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				errs <- httputil.ParseError(p.ID(), err)
				return
			}

			frame := domain.StreamFrame{ID: id, Model: chunk.Model, Delta: chunk.Message.Content}
			if chunk.Done {
				frame.FinishReason = finishReason(chunk.DoneReason)
				usage := chunk.usage()
				frame.Usage = &usage
			}

			select {
			case frames <- frame:
			case <-ctx.Done():
				errs <- httputil.ClassifyError(p.ID(), ctx.Err())
				return
			}

			if chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- httputil.BodyError(ctx, p.ID(), err)
			return
		}
		errs <- httputil.ParseError(p.ID(), fmt.Errorf("stream ended before done"))
	}()

	return frames, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := p.newRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return httputil.ClassifyError(p.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httputil.StatusError(p.ID(), resp)
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

	return httpReq, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *modelOptions `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

func (r chatResponse) usage() domain.Usage {
	return domain.Usage{
		PromptTokens:     r.PromptEvalCount,
		CompletionTokens: r.EvalCount,
	}
}

func toChatRequest(model string, req *domain.RequestContext, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if req.Temperature != nil || req.MaxTokens > 0 || req.TopP != nil || len(req.Stop) > 0 {
		out.Options = &modelOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}
	}

	return out
}

func finishReason(doneReason string) string {
	if doneReason == "length" {
		return domain.FinishLength
	}
	return domain.FinishStop
}

func completionID() string {
	return fmt.Sprintf("ollama-%d", time.Now().UnixNano())
}
