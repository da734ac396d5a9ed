package protocol

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/google/uuid"
)

// Anthropic is the messages dialect.
type Anthropic struct{}

func (Anthropic) Dialect() domain.Dialect {
	return domain.DialectAnthropic
}

type messagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []chatMessage   `json:"messages"`
	System        json.RawMessage `json:"system"`
	Stream        bool            `json:"stream"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	StopSequences []string        `json:"stop_sequences"`
}

func (Anthropic) Parse(body []byte, header http.Header) (*domain.RequestContext, error) {
	var req messagesRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, err
	}

	key := header.Get("x-api-key")
	if key == "" {
		key = bearerToken(header)
	}
	if key == "" || header.Get("anthropic-version") == "" {
		return nil, domain.InvalidRequestf("missing x-api-key or anthropic-version header")
	}

	if strings.TrimSpace(req.Model) == "" {
		return nil, domain.InvalidRequestf("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, domain.InvalidRequestf("messages is required")
	}
	if req.MaxTokens <= 0 {
		return nil, domain.InvalidRequestf("max_tokens must be a positive integer")
	}

	system, err := parseContent(req.System)
	if err != nil {
		return nil, domain.InvalidRequestf("system must be a string or an array of text blocks")
	}

	rc := &domain.RequestContext{
		Dialect:     domain.DialectAnthropic,
		Alias:       req.Model,
		System:      system,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		ClientKey:   key,
	}

	for i, m := range req.Messages {
		if m.Role == "" {
			return nil, domain.InvalidRequestf("messages[%d].role is required", i)
		}
		content, err := parseContent(m.Content)
		if err != nil {
			return nil, err
		}
		rc.Messages = append(rc.Messages, domain.Message{Role: m.Role, Content: content})
	}

	return rc, nil
}

type messagesUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// toMessagesUsage reports input_tokens as the whole prompt, cached part
// included, so both dialects agree on the prompt size.
func toMessagesUsage(u domain.Usage) messagesUsage {
	return messagesUsage{
		InputTokens:              u.PromptTokens,
		OutputTokens:             u.CompletionTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheCreationTokens,
	}
}

type messagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []contentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        messagesUsage  `json:"usage"`
}

func (Anthropic) Render(alias string, c *domain.Completion) ([]byte, error) {
	return json.Marshal(messagesResponse{
		ID:         messageID(c.ID),
		Type:       "message",
		Role:       "assistant",
		Model:      alias,
		Content:    []contentBlock{{Type: "text", Text: c.Content}},
		StopReason: stopReason(c.FinishReason),
		Usage:      toMessagesUsage(c.Usage),
	})
}

func messageID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func stopReason(finish string) string {
	switch finish {
	case "", domain.FinishStop:
		return "end_turn"
	case domain.FinishLength:
		return "max_tokens"
	default:
		return finish
	}
}

type messagesError struct {
	Type  string      `json:"type"`
	Error messageBody `json:"error"`
}

type messageBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (Anthropic) RenderError(err error) (int, []byte) {
	c := ClassifyError(err)
	body, _ := json.Marshal(anthropicError(c))
	return c.Status, body
}

func anthropicError(c Classification) messagesError {
	var t string

	switch c.Kind {
	case KindInvalidRequest:
		t = "invalid_request_error"
	case KindUnknownAlias:
		t = "not_found_error"
	case KindRateLimited:
		t = "rate_limit_error"
	case KindTimeout:
		t = "timeout_error"
	case KindUpstream:
		t = errorTypeForStatus(c.Status)
	default:
		t = "api_error"
	}

	return messagesError{Type: "error", Error: messageBody{Type: t, Message: c.Message}}
}

func errorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

type messageStart struct {
	Type    string           `json:"type"`
	Message messagesResponse `json:"message"`
}

type blockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock contentBlock `json:"content_block"`
}

type blockDelta struct {
	Type  string    `json:"type"`
	Index int       `json:"index"`
	Delta textDelta `json:"delta"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type blockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDelta struct {
	Type  string        `json:"type"`
	Delta stopDelta     `json:"delta"`
	Usage messagesUsage `json:"usage"`
}

type stopDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type typeOnly struct {
	Type string `json:"type"`
}

type anthropicStream struct {
	out          sse
	alias        string
	started      bool
	blockStarted bool
	finish       string
}

func (Anthropic) NewStreamWriter(w io.Writer, alias string) StreamWriter {
	return &anthropicStream{out: sse{w: w}, alias: alias}
}

func (s *anthropicStream) start(id string, usage *domain.Usage) error {
	if s.started {
		return nil
	}
	s.started = true

	var u domain.Usage
	if usage != nil {
		u = *usage
	}

	return s.out.event("message_start", messageStart{
		Type: "message_start",
		Message: messagesResponse{
			ID:      messageID(id),
			Type:    "message",
			Role:    "assistant",
			Model:   s.alias,
			Content: []contentBlock{},
			Usage:   toMessagesUsage(u),
		},
	})
}

func (s *anthropicStream) startBlock() error {
	if s.blockStarted {
		return nil
	}
	s.blockStarted = true
	return s.out.event("content_block_start", blockStart{
		Type:         "content_block_start",
		Index:        0,
		ContentBlock: contentBlock{Type: "text", Text: ""},
	})
}

func (s *anthropicStream) WriteFrame(f domain.StreamFrame) error {
	if err := s.start(f.ID, f.Usage); err != nil {
		return err
	}
	if f.FinishReason != "" {
		s.finish = f.FinishReason
	}
	if f.Delta == "" {
		return nil
	}

	if err := s.startBlock(); err != nil {
		return err
	}
	return s.out.event("content_block_delta", blockDelta{
		Type:  "content_block_delta",
		Index: 0,
		Delta: textDelta{Type: "text_delta", Text: f.Delta},
	})
}

func (s *anthropicStream) Finish(usage domain.Usage) error {
	if err := s.start("", nil); err != nil {
		return err
	}
	if err := s.startBlock(); err != nil {
		return err
	}
	if err := s.out.event("content_block_stop", blockStop{Type: "content_block_stop", Index: 0}); err != nil {
		return err
	}
	if err := s.out.event("message_delta", messageDelta{
		Type:  "message_delta",
		Delta: stopDelta{StopReason: stopReason(s.finish)},
		Usage: toMessagesUsage(usage),
	}); err != nil {
		return err
	}
	return s.out.event("message_stop", typeOnly{Type: "message_stop"})
}

func (s *anthropicStream) WriteError(err error) error {
	return s.out.event("error", anthropicError(ClassifyError(err)))
}
