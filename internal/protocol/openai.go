package protocol

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/google/uuid"
)

// OpenAI is the chat completions dialect.
type OpenAI struct{}

func (OpenAI) Dialect() domain.Dialect {
	return domain.DialectOpenAI
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	MaxTokens           *int            `json:"max_tokens"`
	MaxCompletionTokens *int            `json:"max_completion_tokens"`
	Stream              bool            `json:"stream"`
	Temperature         *float64        `json:"temperature"`
	TopP                *float64        `json:"top_p"`
	Stop                json.RawMessage `json:"stop"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (OpenAI) Parse(body []byte, header http.Header) (*domain.RequestContext, error) {
	var req chatRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}

	key := bearerToken(header)
	if key == "" {
		return nil, domain.InvalidRequestf("missing Authorization: Bearer header")
	}

	if strings.TrimSpace(req.Model) == "" {
		return nil, domain.InvalidRequestf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, domain.InvalidRequestf("messages is required")
	}

	rc := &domain.RequestContext{
		Dialect:     domain.DialectOpenAI,
		Alias:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		ClientKey:   key,
	}

	switch {
	case req.MaxTokens != nil:
		rc.MaxTokens = *req.MaxTokens
	case req.MaxCompletionTokens != nil:
		rc.MaxTokens = *req.MaxCompletionTokens
	}
	if rc.MaxTokens < 0 {
		return nil, domain.InvalidRequestf("max_tokens must not be negative")
	}

	stop, err := parseStop(req.Stop)
	if err != nil {
		return nil, err
	}
	rc.Stop = stop

	var system []string
	for i, m := range req.Messages {
		if m.Role == "" {
			return nil, domain.InvalidRequestf("messages[%d].role is required", i)
		}
		content, err := parseContent(m.Content)
		if err != nil {
			return nil, err
		}
		if m.Role == "system" || m.Role == "developer" {
			system = append(system, content)
			continue
		}
		rc.Messages = append(rc.Messages, domain.Message{Role: m.Role, Content: content})
	}
	rc.System = strings.Join(system, "\n\n")

	if len(rc.Messages) == 0 {
		return nil, domain.InvalidRequestf("messages must contain at least one non-system message")
	}

	return rc, nil
}

type chatUsage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails promptTokensDetails `json:"prompt_tokens_details"`
}

type promptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

func toChatUsage(u domain.Usage) chatUsage {
	return chatUsage{
		PromptTokens:        u.PromptTokens,
		CompletionTokens:    u.CompletionTokens,
		TotalTokens:         u.TotalTokens(),
		PromptTokensDetails: promptTokensDetails{CachedTokens: u.CacheReadTokens},
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (OpenAI) Render(alias string, c *domain.Completion) ([]byte, error) {
	finish := c.FinishReason
	if finish == "" {
		finish = domain.FinishStop
	}

	return json.Marshal(chatResponse{
		ID:      chatID(c.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   alias,
		Choices: []chatChoice{{
			Index:        0,
			Message:      responseMessage{Role: "assistant", Content: c.Content},
			FinishReason: finish,
		}},
		Usage: toChatUsage(c.Usage),
	})
}

func chatID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.NewString()
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (OpenAI) RenderError(err error) (int, []byte) {
	c := ClassifyError(err)
	body, _ := json.Marshal(openAIError(c))
	return c.Status, body
}

func openAIError(c Classification) errorEnvelope {
	eb := errorBody{Message: c.Message}

	switch c.Kind {
	case KindInvalidRequest:
		eb.Type, eb.Code = "invalid_request_error", "invalid_request"
	case KindUnknownAlias:
		eb.Type, eb.Code = "invalid_request_error", "model_not_found"
	case KindRateLimited:
		eb.Type, eb.Code = "rate_limit_error", "rate_limit_exceeded"
	case KindTimeout:
		eb.Type, eb.Code = "timeout_error", "upstream_timeout"
	case KindUpstream:
		eb.Type, eb.Code = "upstream_error", "upstream_error"
	case KindParsing:
		eb.Type, eb.Code = "upstream_error", "upstream_parsing_error"
	default:
		eb.Type, eb.Code = "server_error", "internal_error"
	}

	return errorEnvelope{Error: eb}
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chatUsage    `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openAIStream struct {
	out     sse
	alias   string
	id      string
	created int64
	started bool
	finish  string
}

func (OpenAI) NewStreamWriter(w io.Writer, alias string) StreamWriter {
	return &openAIStream{
		out:     sse{w: w},
		alias:   alias,
		created: time.Now().Unix(),
	}
}

func (s *openAIStream) chunk(delta chunkDelta, finish *string, usage *chatUsage) chatChunk {
	return chatChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.alias,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

func (s *openAIStream) WriteFrame(f domain.StreamFrame) error {
	if s.id == "" {
		s.id = chatID(f.ID)
	}
	if f.FinishReason != "" {
		s.finish = f.FinishReason
	}
	if f.Delta == "" {
		return nil
	}

	delta := chunkDelta{Content: f.Delta}
	if !s.started {
		delta.Role = "assistant"
		s.started = true
	}
	return s.out.event("", s.chunk(delta, nil, nil))
}

func (s *openAIStream) Finish(usage domain.Usage) error {
	if s.id == "" {
		s.id = chatID("")
	}

	finish := s.finish
	if finish == "" {
		finish = domain.FinishStop
	}

	var delta chunkDelta
	if !s.started {
		delta.Role = "assistant"
	}
	u := toChatUsage(usage)
	if err := s.out.event("", s.chunk(delta, &finish, &u)); err != nil {
		return err
	}
	return s.out.raw("[DONE]")
}

func (s *openAIStream) WriteError(err error) error {
	return s.out.event("", openAIError(ClassifyError(err)))
}
