package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
)

// Publisher is the pub/sub surface the web sender needs; *redis.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// WebSender pushes real-time notifications to connected web sessions over
// Redis pub/sub. Session gateways subscribe to web:user:<id>.
type WebSender struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewWebSender(publisher Publisher, logger *zap.Logger) *WebSender {
	return &WebSender{publisher: publisher, logger: logger}
}

// WebChannelName returns the pub/sub channel for a user's web sessions
func WebChannelName(userID fmt.Stringer) string {
	return "web:user:" + userID.String()
}

func (s *WebSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	if msg.Channel != db.ChannelWeb {
		return nil, fmt.Errorf("web sender only supports web, got: %s", msg.Channel)
	}

	payload, err := json.Marshal(newNotification(msg.Content))
	if err != nil {
		return nil, fmt.Errorf("marshal web payload: %w", err)
	}

	channel := WebChannelName(msg.Recipient.ID)
	receivers, err := s.publisher.Publish(ctx, channel, payload)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("web notification published",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.String("pubsub_channel", channel),
		zap.Int64("receivers", receivers),
	)

	return mustJSON(map[string]any{"provider": "redis", "receivers": receivers}), nil
}

func (s *WebSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelWeb
}
