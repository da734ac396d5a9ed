package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// CacheMissEvent describes one qualifying prompt cache miss, published for
// offline analysis whether or not it triggered failover.
type CacheMissEvent struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id,omitempty"`
	Alias        string    `json:"alias"`
	Binding      string    `json:"binding"`
	Model        string    `json:"model"`
	PromptTokens int       `json:"prompt_tokens"`
	IncurredUSD  float64   `json:"incurred_usd"`
	LossUSD      float64   `json:"loss_usd"`
	Outcome      string    `json:"outcome"`
	Stream       bool      `json:"stream"`
	CreatedAt    time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev CacheMissEvent) error
}

// sqsAPI is the subset of the SQS client used here.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSPublisherWithConfig(cfg, queueURL), nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev CacheMissEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Alias": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Alias),
			},
			"Binding": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Binding),
			},
			"LossUSD": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatFloat(ev.LossUSD, 'f', 6, 64)),
			},
		},
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	events []CacheMissEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{
		events: make([]CacheMissEvent, 0),
	}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, ev CacheMissEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *InMemoryPublisher) Events() []CacheMissEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]CacheMissEvent, len(p.events))
	copy(result, p.events)
	return result
}
