package anthropic

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
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
	maxSSELine       = 1 << 20
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a messages API client. An empty baseURL uses the public API;
// a nil client uses httputil.DefaultClient.
func New(apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return "anthropic"
}

func (p *Provider) Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error) {
	body, err := json.Marshal(BuildRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/messages", body)
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

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, httputil.BodyError(ctx, p.ID(), err)
	}

	return msg.Completion(), nil
}

func (p *Provider) Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error) {
	frames := make(chan domain.StreamFrame)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		msgReq := BuildRequest(model, req)
		msgReq.Stream = true

		body, err := json.Marshal(msgReq)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := p.newRequest(ctx, http.MethodPost, "/messages", body)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

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

		var dec EventDecoder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			frame, done, err := dec.Decode([]byte(data))
			if err != nil {
				errs <- err
				return
			}
			if frame != nil {
				select {
				case frames <- *frame:
				case <-ctx.Done():
					errs <- httputil.ClassifyError(p.ID(), ctx.Err())
					return
				}
			}
			if done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- httputil.BodyError(ctx, p.ID(), err)
			return
		}
		errs <- httputil.ParseError(p.ID(), fmt.Errorf("stream ended before message_stop"))
	}()

	return frames, errs
}

// HealthCheck lists models, which needs a valid key and a reachable API.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := p.newRequest(ctx, http.MethodGet, "/models?limit=1", nil)
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
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return httpReq, nil
}
