package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
)

// LogSender logs instead of delivering. It stands in for any channel whose
// provider is not configured in development.
type LogSender struct {
	channels map[db.Channel]bool
	logger   *zap.Logger
}

// NewLogSender handles the given channels, or every channel when none are given
func NewLogSender(logger *zap.Logger, channels ...db.Channel) *LogSender {
	if len(channels) == 0 {
		channels = db.AllChannels
	}
	set := make(map[db.Channel]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &LogSender{channels: set, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	n := newNotification(msg.Content)
	s.logger.Info("logging notification (development mode)",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.String("channel", string(msg.Channel)),
		zap.String("content_id", n.ContentID),
		zap.String("title", n.Title),
	)
	return mustJSON(map[string]string{"provider": "log"}), nil
}

func (s *LogSender) SupportsChannel(channel db.Channel) bool {
	return s.channels[channel]
}
