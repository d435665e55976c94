package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
)

// WhatsAppSender posts messages to an HTTP WhatsApp gateway
type WhatsAppSender struct {
	client *http.Client
	url    string
	token  string
	logger *zap.Logger
}

// WhatsAppConfig holds the gateway endpoint, its bearer token and the request timeout
type WhatsAppConfig struct {
	GatewayURL string
	Token      string
	Timeout    time.Duration
}

// whatsAppRequest is the gateway's send-message body
type whatsAppRequest struct {
	To      string       `json:"to"`
	Type    string       `json:"type"`
	Text    whatsAppText `json:"text"`
	Context notification `json:"context"`
}

type whatsAppText struct {
	Body string `json:"body"`
}

// NewWhatsAppSender creates a gateway sender. A zero timeout means 30s.
func NewWhatsAppSender(logger *zap.Logger, cfg WhatsAppConfig) *WhatsAppSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WhatsAppSender{
		client: &http.Client{Timeout: timeout},
		url:    cfg.GatewayURL,
		token:  cfg.Token,
		logger: logger,
	}
}

func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	if msg.Channel != db.ChannelWhatsApp {
		return nil, fmt.Errorf("whatsapp sender only supports whatsapp, got: %s", msg.Channel)
	}
	if msg.Recipient.WhatsAppNumber == "" {
		return nil, errors.New("recipient has no whatsapp number")
	}
	if s.url == "" {
		return nil, errors.New("whatsapp gateway url not configured")
	}

	n := newNotification(msg.Content)
	text := n.Body
	if n.Title != "" {
		text = n.Title + "\n\n" + n.Body
	}

	body, err := json.Marshal(whatsAppRequest{
		To:      msg.Recipient.WhatsAppNumber,
		Type:    "text",
		Text:    whatsAppText{Body: text},
		Context: n,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Dropcast/1.0.0")
	req.Header.Set("X-Dropcast-User-ID", msg.Recipient.ID.String())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	// The cut can split a rune; cleanText repairs it.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	respBody := cleanText(string(raw))

	meta := mustJSON(map[string]any{
		"provider":    "whatsapp",
		"status_code": resp.StatusCode,
		"response":    respBody,
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meta, fmt.Errorf("whatsapp gateway returned non-2xx status: %d, body: %s", resp.StatusCode, respBody)
	}

	s.logger.Info("whatsapp message delivered",
		zap.String("user_id", msg.Recipient.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)

	return meta, nil
}

func (s *WhatsAppSender) SupportsChannel(channel db.Channel) bool {
	return channel == db.ChannelWhatsApp
}
