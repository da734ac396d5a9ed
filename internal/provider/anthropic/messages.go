package anthropic

import (
	"encoding/json"
	"net/http"

	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/httputil"
)

// MessagesRequest is the messages API body. Bedrock uses the same body with
// AnthropicVersion set and Model left empty.
type MessagesRequest struct {
	AnthropicVersion string           `json:"anthropic_version,omitempty"`
	Model            string           `json:"model,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	System           []TextBlock      `json:"system,omitempty"`
	Messages         []RequestMessage `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	StopSequences    []string         `json:"stop_sequences,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
}

type TextBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

type CacheControl struct {
	Type string `json:"type"`
}

type RequestMessage struct {
	Role    string      `json:"role"`
	Content []TextBlock `json:"content"`
}

// BuildRequest converts a request for model. The system prompt and the last
// message carry an ephemeral cache breakpoint so repeated prefixes are
// served from the prompt cache.
func BuildRequest(model string, req *domain.RequestContext) MessagesRequest {
	out := MessagesRequest{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	if req.System != "" {
		out.System = []TextBlock{{Type: "text", Text: req.System, CacheControl: ephemeral()}}
	}

	out.Messages = make([]RequestMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, RequestMessage{
			Role:    m.Role,
			Content: []TextBlock{{Type: "text", Text: m.Content}},
		})
	}
	if n := len(out.Messages); n > 0 {
		out.Messages[n-1].Content[0].CacheControl = ephemeral()
	}

	return out
}

func ephemeral() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// Message is a messages API response.
type Message struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage counts input_tokens without the cached part.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Domain converts to domain.Usage, where PromptTokens includes cached tokens.
func (u Usage) Domain() domain.Usage {
	return domain.Usage{
		PromptTokens:        u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens,
		CompletionTokens:    u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func (m *Message) Completion() *domain.Completion {
	var content string
	for _, block := range m.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.Completion{
		ID:           m.ID,
		Model:        m.Model,
		Content:      content,
		FinishReason: MapStopReason(m.StopReason),
		Usage:        m.Usage.Domain(),
	}
}

// DecodeMessage parses a buffered response body.
func DecodeMessage(provider string, body []byte) (*domain.Completion, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, httputil.ParseError(provider, err)
	}
	return msg.Completion(), nil
}

type streamEvent struct {
	Type    string       `json:"type"`
	Message *Message     `json:"message,omitempty"`
	Delta   *streamDelta `json:"delta,omitempty"`
	Usage   *Usage       `json:"usage,omitempty"`
	Error   *eventError  `json:"error,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type eventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EventDecoder turns streamed message events into frames. Provider names
// the upstream in errors and defaults to "anthropic".
type EventDecoder struct {
	Provider string

	id    string
	model string
}

// Decode handles the JSON payload of one event. done is set on
// message_stop.
func (d *EventDecoder) Decode(data []byte) (frame *domain.StreamFrame, done bool, err error) {
	provider := d.Provider
	if provider == "" {
		provider = "anthropic"
	}

	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, httputil.ParseError(provider, err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, false, nil
		}
		d.id, d.model = ev.Message.ID, ev.Message.Model
		usage := ev.Message.Usage.Domain()
		return &domain.StreamFrame{ID: d.id, Model: d.model, Usage: &usage}, false, nil

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" {
			return nil, false, nil
		}
		return &domain.StreamFrame{ID: d.id, Model: d.model, Delta: ev.Delta.Text}, false, nil

	case "message_delta":
		f := &domain.StreamFrame{ID: d.id, Model: d.model}
		if ev.Delta != nil {
			f.FinishReason = MapStopReason(ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			usage := ev.Usage.Domain()
			f.Usage = &usage
		}
		return f, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		upstreamErr := &domain.UpstreamError{Provider: provider, Status: http.StatusBadGateway, Body: string(data)}
		if ev.Error != nil {
			upstreamErr.Status = statusForErrorType(ev.Error.Type)
		}
		return nil, false, upstreamErr
	}

	// ping, content_block_start, content_block_stop
	return nil, false, nil
}

func statusForErrorType(t string) int {
	switch t {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return 529
	case "api_error":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func MapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	default:
		return reason
	}
}
