package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dropcast/internal/db"
)

// IdempotencyKey derives the ledger key for one (drop, user, channel)
// attempt. The publish time is part of the key, so rescheduling a drop
// produces a fresh set of keys.
func IdempotencyKey(drop db.ScheduledDrop, userID uuid.UUID, channel db.Channel) string {
	h := sha256.New()
	h.Write([]byte(drop.ID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(userID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(channel))
	h.Write([]byte{'|'})
	h.Write([]byte(drop.PublishAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
