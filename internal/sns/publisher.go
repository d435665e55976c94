// Package sns publishes drop lifecycle events to an SNS topic so several
// downstream consumers can subscribe to them.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/pipeline"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds the topic settings
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the SNS endpoint (for LocalStack)
	Endpoint string
}

// Publisher handles SNS topic publishing of drop events
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// PublishDropExpanded sends the event with attributes subscribers can filter on
func (p *Publisher) PublishDropExpanded(ctx context.Context, result *pipeline.ExpandResult) error {
	ev := pipeline.NewDropExpandedEvent(result, p.now())

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
			"campaign_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.CampaignID),
			},
		},
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("drop event published to topic",
		zap.String("drop_id", ev.DropID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
