package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/dispatch"
)

// Store selects due drops and opens one unit of work per drop
type Store interface {
	DueDrops(ctx context.Context, now time.Time, limit int) ([]db.ScheduledDrop, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the ledger and drop state visible inside one unit of work
type Tx interface {
	DropStatus(ctx context.Context, id uuid.UUID) (db.DropStatus, error)
	Campaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ContentItem(ctx context.Context, id uuid.UUID) (*db.ContentItem, error)
	Recipients(ctx context.Context, campaignID uuid.UUID) ([]db.Recipient, error)
	GetOrCreateJob(ctx context.Context, job *db.SendJob) (*db.SendJob, bool, error)
	MarkJobSent(ctx context.Context, id uuid.UUID, sentAt time.Time, metadata json.RawMessage) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, metadata json.RawMessage) error
	MarkDropExpanded(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Dispatcher performs the channel send for one recipient
type Dispatcher interface {
	Send(ctx context.Context, recipient db.Recipient, content *db.ContentItem, channel db.Channel) dispatch.Outcome
}

// EventPublisher receives a summary after a drop's unit of work commits
type EventPublisher interface {
	PublishDropExpanded(ctx context.Context, result *ExpandResult) error
}

// postgresStore adapts db.Repository to Store
type postgresStore struct {
	repo *db.Repository
}

// NewPostgresStore returns a Store backed by the Postgres repository
func NewPostgresStore(repo *db.Repository) Store {
	return &postgresStore{repo: repo}
}

func (s *postgresStore) DueDrops(ctx context.Context, now time.Time, limit int) ([]db.ScheduledDrop, error) {
	return s.repo.DueDrops(ctx, now, limit)
}

func (s *postgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.repo.InTx(ctx, func(tx *db.Tx) error {
		return fn(tx)
	})
}
