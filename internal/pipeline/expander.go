package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/metrics"
)

// ErrDropNotPending means the drop was cancelled or expanded by someone
// else before this unit of work could commit. Nothing from the unit is kept.
var ErrDropNotPending = db.ErrDropNotPending

// ExpandResult summarises one committed drop expansion
type ExpandResult struct {
	DropID      uuid.UUID `json:"drop_id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	Recipients  int       `json:"recipients"`
	JobsCreated int       `json:"jobs_created"`
	Duplicates  int       `json:"duplicates"`
	Ineligible  int       `json:"ineligible"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	ExpandedAt  time.Time `json:"expanded_at"`
}

// Expander turns one due drop into send jobs inside a single unit of work
type Expander struct {
	store           Store
	dispatcher      Dispatcher
	dispatchTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// NewExpander creates an expander. A zero dispatchTimeout means 10s.
func NewExpander(store Store, dispatcher Dispatcher, dispatchTimeout time.Duration, logger *zap.Logger) *Expander {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 10 * time.Second
	}
	return &Expander{
		store:           store,
		dispatcher:      dispatcher,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// Expand fans drop out to its campaign's recipients and channels and moves
// it to expanded. Any storage error rolls the whole unit back and leaves the
// drop pending. Dispatch failures are recorded on the job and do not fail
// the unit.
func (e *Expander) Expand(ctx context.Context, drop db.ScheduledDrop) (*ExpandResult, error) {
	var result *ExpandResult

	err := e.store.InTx(ctx, func(tx Tx) error {
		result = &ExpandResult{DropID: drop.ID, CampaignID: drop.CampaignID}
		return e.expand(ctx, tx, drop, result)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Expander) expand(ctx context.Context, tx Tx, drop db.ScheduledDrop, result *ExpandResult) error {
	status, err := tx.DropStatus(ctx, drop.ID)
	if err != nil {
		return fmt.Errorf("read drop status: %w", err)
	}
	if status != db.DropStatusPending {
		return ErrDropNotPending
	}

	campaign, err := tx.Campaign(ctx, drop.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", drop.CampaignID, err)
	}
	content, err := tx.ContentItem(ctx, drop.ContentItemID)
	if err != nil {
		return fmt.Errorf("load content item %s: %w", drop.ContentItemID, err)
	}

	// Resolved once; the loop below never re-queries the audience.
	recipients, err := tx.Recipients(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	result.Recipients = len(recipients)

	// Keys are taken in (recipient id, campaign channel order) so two units
	// racing on the same drop always contend on the same first key.
	for _, recipient := range recipients {
		for _, channel := range campaign.Channels {
			if !Eligible(recipient, channel) {
				result.Ineligible++
				continue
			}
			if err := e.attempt(ctx, tx, drop, recipient, content, channel, result); err != nil {
				return err
			}
		}
	}

	expandedAt := e.now().UTC()
	if err := tx.MarkDropExpanded(ctx, drop.ID, expandedAt); err != nil {
		if errors.Is(err, db.ErrDropNotPending) {
			return ErrDropNotPending
		}
		return err
	}
	result.ExpandedAt = expandedAt

	return nil
}

// attempt runs the ledger gate and, for a newly created job, the dispatch.
// Only storage errors are returned.
func (e *Expander) attempt(
	ctx context.Context,
	tx Tx,
	drop db.ScheduledDrop,
	recipient db.Recipient,
	content *db.ContentItem,
	channel db.Channel,
	result *ExpandResult,
) error {
	key := IdempotencyKey(drop, recipient.ID, channel)

	job, created, err := tx.GetOrCreateJob(ctx, &db.SendJob{
		ID:             uuid.New(),
		DropID:         drop.ID,
		UserID:         recipient.ID,
		Channel:        channel,
		IdempotencyKey: key,
	})
	if err != nil {
		return fmt.Errorf("get or create send job: %w", err)
	}
	metrics.RecordJob(string(channel), created)

	if !created {
		result.Duplicates++
		return nil
	}
	result.JobsCreated++

	e.logger.Info("send job created",
		zap.String("drop_id", drop.ID.String()),
		zap.String("user_id", recipient.ID.String()),
		zap.String("channel", string(channel)),
		zap.String("job_id", job.ID.String()),
		zap.String("idempotency_key", key),
	)

	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	outcome := e.dispatcher.Send(dctx, recipient, content, channel)
	cancel()

	if outcome.Success {
		if err := tx.MarkJobSent(ctx, job.ID, e.now().UTC(), outcome.Metadata); err != nil {
			return err
		}
		result.Sent++
		e.logger.Info("dispatch succeeded",
			zap.String("drop_id", drop.ID.String()),
			zap.String("job_id", job.ID.String()),
			zap.String("channel", string(channel)),
		)
		return nil
	}

	if err := tx.MarkJobFailed(ctx, job.ID, outcome.Reason, outcome.Metadata); err != nil {
		return err
	}
	result.Failed++
	e.logger.Warn("dispatch failed",
		zap.String("drop_id", drop.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", recipient.ID.String()),
		zap.String("channel", string(channel)),
		zap.String("reason", outcome.Reason),
	)
	return nil
}
