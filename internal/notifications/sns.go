package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
)

// SNS rejects subjects longer than this.
const maxSubjectLen = 100

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes JSON notifications to a topic. Subscribers can
// filter on the Type, Severity and Alias message attributes. On a FIFO
// topic, notifications for one alias keep their order.
type SNSNotifier struct {
	client   snsAPI
	topicArn string
	fifo     bool
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return newSNSNotifier(sns.NewFromConfig(cfg), topicArn)
}

func newSNSNotifier(client snsAPI, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		fifo:     strings.HasSuffix(topicArn, ".fifo"),
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	severity := notification.Type.Severity()
	attrs := map[string]snstypes.MessageAttributeValue{
		"Type":     stringAttr(string(notification.Type)),
		"Severity": stringAttr(string(severity)),
	}
	if notification.Alias != "" {
		attrs["Alias"] = stringAttr(notification.Alias)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Subject:           aws.String(subject(notification)),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	}
	if n.fifo {
		group := notification.Alias
		if group == "" {
			group = string(notification.Type)
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	out, err := n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish %s notification: %w", notification.Type, err)
	}

	slog.Info("notification published",
		"type", notification.Type,
		"severity", severity,
		"alias", notification.Alias,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

func subject(n Notification) string {
	s := fmt.Sprintf("[%s] model-router %s", strings.ToUpper(string(n.Type.Severity())), n.Type)
	if n.Alias != "" {
		s += ": " + n.Alias
	}
	if len(s) > maxSubjectLen {
		s = s[:maxSubjectLen]
	}
	return s
}

func stringAttr(v string) snstypes.MessageAttributeValue {
	return snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
