package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailSender delivers email through AWS SES
type EmailSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

// EmailConfig holds the SES region and sender address
type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailSender creates an SES-backed email sender
func NewEmailSender(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &EmailSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send emails the content item to the recipient via AWS SES
func (s *EmailSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	if msg.Channel != db.ChannelEmail {
		return nil, fmt.Errorf("SES sender only supports email, got: %s", msg.Channel)
	}
	if msg.Recipient.Email == "" {
		return nil, errors.New("recipient has no email address")
	}

	n := newNotification(msg.Content)
	if n.Title == "" {
		return nil, errors.New("content item missing title")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.Recipient.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.String("message_id", messageID),
	)

	return mustJSON(map[string]string{"provider": "ses", "message_id": messageID}), nil
}

func (s *EmailSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}
