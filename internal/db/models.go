package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Channel is a delivery medium for a send job
type Channel string

// Channel constants
const (
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
	ChannelEmail    Channel = "email"
)

// AllChannels lists every supported channel
var AllChannels = []Channel{ChannelPush, ChannelWhatsApp, ChannelWeb, ChannelEmail}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelWhatsApp, ChannelWeb, ChannelEmail:
		return true
	}
	return false
}

// DropStatus tracks a scheduled drop through expansion
type DropStatus string

// Drop status constants
const (
	DropStatusPending   DropStatus = "pending"
	DropStatusExpanded  DropStatus = "expanded"
	DropStatusCancelled DropStatus = "cancelled"
)

// JobStatus tracks a single (drop, user, channel) send attempt
type JobStatus string

// Job status constants
const (
	JobStatusQueued JobStatus = "queued"
	JobStatusSent   JobStatus = "sent"
	JobStatusFailed JobStatus = "failed"
)

// Campaign owns the channel list and recipient selection that drops fan out over.
type Campaign struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Name           string     `json:"name"`
	StartsAt       *time.Time `json:"starts_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	Channels       []Channel  `json:"channels"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScheduledDrop is one point-in-time fan-out event for a campaign
type ScheduledDrop struct {
	ID            uuid.UUID  `json:"id"`
	CampaignID    uuid.UUID  `json:"campaign_id"`
	ContentItemID uuid.UUID  `json:"content_item_id"`
	PublishAt     time.Time  `json:"publish_at"`
	Status        DropStatus `json:"status"`
	ExpandedAt    *time.Time `json:"expanded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SendJob is the ledger row for one (drop, user, channel) attempt.
// SentAt is set if and only if Status is sent.
type SendJob struct {
	ID             uuid.UUID       `json:"id"`
	DropID         uuid.UUID       `json:"drop_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Channel        Channel         `json:"channel"`
	Status         JobStatus       `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Error          *string         `json:"error,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Recipient is the channel-eligibility view of a user
type Recipient struct {
	ID             uuid.UUID `json:"id"`
	PushTarget     string    `json:"push_target,omitempty"`
	WhatsAppOptIn  bool      `json:"whatsapp_opt_in"`
	WhatsAppNumber string    `json:"whatsapp_number,omitempty"`
	ActiveSession  bool      `json:"active_session"`
	Email          string    `json:"email,omitempty"`
}

// ContentItem is passed through to dispatchers untouched.
type ContentItem struct {
	ID    uuid.UUID       `json:"id"`
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
}
