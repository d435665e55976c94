package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
)

// snsAPI is the slice of the SNS client the push sender uses
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PushSender delivers push notifications by publishing to the recipient's
// SNS platform endpoint ARN.
type PushSender struct {
	client snsAPI
	logger *zap.Logger
}

// PushConfig holds the SNS region and an optional endpoint override
type PushConfig struct {
	Region string
	// Endpoint overrides the SNS endpoint, e.g. LocalStack in development.
	Endpoint string
}

// NewPushSender creates an SNS-backed push sender
func NewPushSender(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &PushSender{client: client, logger: logger}, nil
}

// pushEnvelope is the SNS MessageStructure=json body; each platform key
// carries its own serialized payload.
type pushEnvelope struct {
	Default string `json:"default"`
	GCM     string `json:"GCM"`
	APNS    string `json:"APNS"`
}

func (s *PushSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	if msg.Channel != db.ChannelPush {
		return nil, fmt.Errorf("push sender only supports push, got: %s", msg.Channel)
	}
	if msg.Recipient.PushTarget == "" {
		return nil, errors.New("recipient has no push target")
	}

	n := newNotification(msg.Content)

	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         n,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gcm payload: %w", err)
	}
	apns, err := json.Marshal(map[string]any{
		"aps":  map[string]any{"alert": map[string]string{"title": n.Title, "body": n.Body}},
		"data": n,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal apns payload: %w", err)
	}
	envelope, err := json.Marshal(pushEnvelope{Default: n.Body, GCM: string(gcm), APNS: string(apns)})
	if err != nil {
		return nil, fmt.Errorf("marshal push envelope: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(msg.Recipient.PushTarget),
		Message:          aws.String(string(envelope)),
		MessageStructure: aws.String("json"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"content_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.ContentID),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("push sent via SNS",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.String("message_id", messageID),
	)

	return mustJSON(map[string]string{"provider": "sns", "message_id": messageID}), nil
}

func (s *PushSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelPush
}
