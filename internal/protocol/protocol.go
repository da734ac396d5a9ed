// Package protocol translates between the client wire dialects and the
// dialect-independent request and completion types.
//
// Dialects:
//   - OpenAI: POST /v1/chat/completions, Bearer auth, prompt_tokens/completion_tokens
//   - Anthropic: POST /v1/messages, x-api-key plus anthropic-version, input_tokens/output_tokens
//
// Every rendered body carries the client alias in its model field.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/model-router/internal/domain"
)

// Adapter parses and renders one dialect. It is chosen once per request by
// route.
type Adapter interface {
	Dialect() domain.Dialect
	Parse(body []byte, header http.Header) (*domain.RequestContext, error)
	Render(alias string, c *domain.Completion) ([]byte, error)
	NewStreamWriter(w io.Writer, alias string) StreamWriter
	RenderError(err error) (status int, body []byte)
}

// StreamWriter writes streamed frames in a dialect's event format.
type StreamWriter interface {
	// WriteFrame writes the content of one frame. A finish reason on the
	// frame is remembered for Finish.
	WriteFrame(f domain.StreamFrame) error
	// Finish writes the closing events carrying the accumulated usage.
	Finish(usage domain.Usage) error
	// WriteError writes an error event after the stream has started.
	WriteError(err error) error
}

// For returns the adapter for d.
func For(d domain.Dialect) Adapter {
	if d == domain.DialectAnthropic {
		return Anthropic{}
	}
	return OpenAI{}
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseContent accepts a string or an array of content blocks. Text blocks
// are concatenated; other block types are ignored.
func parseContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", domain.InvalidRequestf("content must be a string or an array of content blocks")
	}

	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// parseStop accepts a string or an array of strings.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, domain.InvalidRequestf("stop must be a string or an array of strings")
	}
	return list, nil
}

func bearerToken(header http.Header) string {
	auth := header.Get("Authorization")
	if len(auth) > len("Bearer ") && strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return domain.InvalidRequestf("request body is empty")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.InvalidRequestf("request body is not valid JSON: %v", err)
	}
	return nil
}

// sse writes server-sent events and flushes after each one when w can.
type sse struct {
	w io.Writer
}

func (s sse) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}

	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}

	s.flush()
	return nil
}

func (s sse) raw(line string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", line); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s sse) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}
