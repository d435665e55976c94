package pipeline

import "github.com/lalithlochan/dropcast/internal/db"

// Eligible reports whether recipient can be reached on channel. Unknown
// channels are never eligible.
func Eligible(r db.Recipient, channel db.Channel) bool {
	switch channel {
	case db.ChannelWhatsApp:
		return r.WhatsAppOptIn && r.WhatsAppNumber != ""
	case db.ChannelPush:
		return r.PushTarget != ""
	case db.ChannelWeb:
		return r.ActiveSession
	case db.ChannelEmail:
		return r.Email != ""
	default:
		return false
	}
}
