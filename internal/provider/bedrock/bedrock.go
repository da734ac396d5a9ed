// Package bedrock calls Anthropic models hosted on AWS Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/model-router/internal/domain"
	"github.com/felipepmaragno/model-router/internal/httputil"
	"github.com/felipepmaragno/model-router/internal/provider/anthropic"
)

const bedrockVersion = "bedrock-2023-05-31"

// Runtime is the part of the Bedrock runtime client the provider uses.
type Runtime interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

type Provider struct {
	client      Runtime
	credentials aws.CredentialsProvider
	region      string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client:      bedrockruntime.NewFromConfig(cfg),
		credentials: cfg.Credentials,
		region:      cfg.Region,
	}
}

// NewWithClient is used by tests.
func NewWithClient(client Runtime, region string) *Provider {
	return &Provider{client: client, region: region}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) Complete(ctx context.Context, model string, req *domain.RequestContext) (*domain.Completion, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(MapModelID(model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.classify(err)
	}

	return anthropic.DecodeMessage(p.ID(), output.Body)
}

func (p *Provider) Stream(ctx context.Context, model string, req *domain.RequestContext) (<-chan domain.StreamFrame, <-chan error) {
	frames := make(chan domain.StreamFrame)
	errs := make(chan error, 1)

	go func() {
		defer close(frames)
		defer close(errs)

		body, err := json.Marshal(buildRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(MapModelID(model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- p.classify(err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		dec := anthropic.EventDecoder{Provider: p.ID()}
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			frame, done, err := dec.Decode(chunk.Value.Bytes)
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

		if err := stream.Err(); err != nil {
			errs <- p.classify(err)
			return
		}
		errs <- httputil.ParseError(p.ID(), fmt.Errorf("stream ended before message_stop"))
	}()

	return frames, errs
}

// HealthCheck verifies that AWS credentials can be resolved.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.credentials == nil {
		return nil
	}
	if _, err := p.credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("retrieve aws credentials: %w: %w", domain.ErrUpstream, err)
	}
	return nil
}

type statusCoder interface {
	HTTPStatusCode() int
}

// classify maps SDK errors. Service errors keep their HTTP status so the
// client sees the same class of failure.
func (p *Provider) classify(err error) error {
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() >= http.StatusBadRequest {
		return &domain.UpstreamError{Provider: p.ID(), Status: sc.HTTPStatusCode(), Body: err.Error()}
	}
	return httputil.ClassifyError(p.ID(), err)
}

func buildRequest(req *domain.RequestContext) anthropic.MessagesRequest {
	out := anthropic.BuildRequest("", req)
	out.AnthropicVersion = bedrockVersion
	return out
}

var modelIDs = map[string]string{
	"claude-opus-4-5":   "anthropic.claude-opus-4-5-20251101-v1:0",
	"claude-sonnet-4-5": "anthropic.claude-sonnet-4-5-20250929-v1:0",
	"claude-haiku-4-5":  "anthropic.claude-haiku-4-5-20251001-v1:0",
	"claude-opus-4-1":   "anthropic.claude-opus-4-1-20250805-v1:0",
}

// MapModelID expands short Claude names to Bedrock model ids. Full ids and
// inference profile ARNs pass through.
func MapModelID(model string) string {
	if mapped, ok := modelIDs[model]; ok {
		return mapped
	}
	return model
}
