package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/lalithlochan/dropcast/internal/db"
)

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the relay address, credentials and sender address
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

// SMTPSender delivers email through a plain SMTP relay. It is used instead
// of SES when an SMTP host is configured.
type SMTPSender struct {
	dialer mailDialer
	from   string
	host   string
	logger *zap.Logger
}

// NewSMTPSender creates a sender for the given relay
func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.FromEmail,
		host:   cfg.Host,
		logger: logger,
	}
}

// Send emails the content item to the recipient over SMTP
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	if msg.Channel != db.ChannelEmail {
		return nil, fmt.Errorf("SMTP sender only supports email, got: %s", msg.Channel)
	}
	if msg.Recipient.Email == "" {
		return nil, errors.New("recipient has no email address")
	}

	n := newNotification(msg.Content)
	if n.Title == "" {
		return nil, errors.New("content item missing title")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient.Email)
	m.SetHeader("Subject", n.Title)
	m.SetHeader("X-Dropcast-Content", n.ContentID)
	m.SetBody("text/plain", n.Body)

	// gomail has no context support; the dial runs aside so the dispatch
	// timeout still bounds the call.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("smtp send failed: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("smtp send: %w", ctx.Err())
	}

	s.logger.Info("email sent via SMTP",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.String("host", s.host),
	)

	return mustJSON(map[string]string{"provider": "smtp", "host": s.host}), nil
}

func (s *SMTPSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelEmail
}
