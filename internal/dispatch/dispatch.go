package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/lalithlochan/dropcast/internal/db"
)

// Outcome is the typed result of one dispatch. Reason is empty on success.
type Outcome struct {
	Success  bool            `json:"success"`
	Reason   string          `json:"reason,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Succeeded builds a successful outcome carrying the provider response
func Succeeded(metadata json.RawMessage) Outcome {
	return Outcome{Success: true, Metadata: metadata}
}

// Failed builds a failed outcome
func Failed(reason string, metadata json.RawMessage) Outcome {
	return Outcome{Success: false, Reason: reason, Metadata: metadata}
}

// Message is everything a channel sender needs for one delivery
type Message struct {
	Recipient db.Recipient
	Content   *db.ContentItem
	Channel   db.Channel
}

// Sender is the interface every channel adapter implements.
// Implementations: push (SNS), whatsapp (HTTP gateway), web (Redis pub/sub), email (SES or SMTP)
type Sender interface {
	// Send delivers msg and returns the provider response as metadata.
	Send(ctx context.Context, msg *Message) (json.RawMessage, error)
	SupportsChannel(channel db.Channel) bool
}

// notification is the channel-neutral body every adapter renders from the
// content item.
type notification struct {
	ContentID string          `json:"content_id"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func newNotification(content *db.ContentItem) notification {
	if content == nil {
		return notification{}
	}
	return notification{
		ContentID: content.ID.String(),
		Title:     content.Title,
		Body:      content.Body,
		Data:      content.Data,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// cleanText makes provider text storable in a Postgres TEXT column: NUL bytes
// are dropped and invalid UTF-8 becomes U+FFFD.
func cleanText(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

var escapedNUL = []byte(`\u0000`)

// cleanMetadata does the same for provider metadata bound for JSONB, which
// rejects \u0000 as well as invalid UTF-8.
func cleanMetadata(meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 || (utf8.Valid(meta) && !bytes.Contains(meta, escapedNUL)) {
		return meta
	}

	var v any
	if err := json.Unmarshal(meta, &v); err != nil {
		return mustJSON(map[string]string{"raw": cleanText(string(meta))})
	}
	return mustJSON(cleanValue(v))
}

func cleanValue(v any) any {
	switch t := v.(type) {
	case string:
		return cleanText(t)
	case []any:
		for i := range t {
			t[i] = cleanValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[cleanText(k)] = cleanValue(val)
		}
		return out
	default:
		return v
	}
}
