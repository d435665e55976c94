package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Tx is one unit of work over the drop tables. It is only valid inside the
// callback passed to Repository.InTx.
type Tx struct {
	tx     pgx.Tx
	logger *zap.Logger
}

// DropStatus re-reads the current status of a drop and locks its row until
// the unit ends. A concurrent cancel or a second expander waits here instead
// of racing the sends.
func (t *Tx) DropStatus(ctx context.Context, id uuid.UUID) (DropStatus, error) {
	var status DropStatus
	err := t.tx.QueryRow(ctx, `SELECT status FROM scheduled_drops WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query drop status: %w", err)
	}
	return status, nil
}

// Campaign loads a campaign with its ordered channel list
func (t *Tx) Campaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `
		SELECT id, organization_id, name, starts_at, ends_at, channels,
		       status, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`

	var c Campaign
	var channels []string
	err := t.tx.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Name,
		&c.StartsAt,
		&c.EndsAt,
		&channels,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	c.Channels = make([]Channel, 0, len(channels))
	for _, ch := range channels {
		c.Channels = append(c.Channels, Channel(ch))
	}
	return &c, nil
}

// ContentItem loads the content passed through to dispatchers
func (t *Tx) ContentItem(ctx context.Context, id uuid.UUID) (*ContentItem, error) {
	var item ContentItem
	var data []byte
	err := t.tx.QueryRow(ctx,
		`SELECT id, title, body, data FROM content_items WHERE id = $1`, id,
	).Scan(&item.ID, &item.Title, &item.Body, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query content item: %w", err)
	}
	item.Data = data
	return &item, nil
}

// Recipients resolves the selected users of a campaign that have an active
// login, ordered by user id.
func (t *Tx) Recipients(ctx context.Context, campaignID uuid.UUID) ([]Recipient, error) {
	query := `
		SELECT r.id, r.push_target, r.whatsapp_opt_in, r.whatsapp_number,
		       r.active_session, r.email
		FROM campaign_recipients cr
		JOIN recipients r ON r.id = cr.recipient_id
		WHERE cr.campaign_id = $1 AND cr.selected AND r.active_login
		ORDER BY r.id ASC
	`

	rows, err := t.tx.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(
			&rc.ID,
			&rc.PushTarget,
			&rc.WhatsAppOptIn,
			&rc.WhatsAppNumber,
			&rc.ActiveSession,
			&rc.Email,
		); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// GetOrCreateJob inserts job unless a row with the same idempotency key
// exists. It returns the stored row and whether this call created it.
func (t *Tx) GetOrCreateJob(ctx context.Context, job *SendJob) (*SendJob, bool, error) {
	insert := `
		INSERT INTO send_jobs (id, drop_id, user_id, channel, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + jobColumns

	created, err := scanJob(t.tx.QueryRow(ctx, insert,
		job.ID,
		job.DropID,
		job.UserID,
		job.Channel,
		JobStatusQueued,
		job.IdempotencyKey,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert send job: %w", err)
	}

	existing, err := scanJob(t.tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE idempotency_key = $1`,
		job.IdempotencyKey,
	))
	if err != nil {
		return nil, false, fmt.Errorf("read existing send job: %w", err)
	}

	t.logger.Debug("send job already exists",
		zap.String("job_id", existing.ID.String()),
		zap.String("idempotency_key", job.IdempotencyKey),
		zap.String("status", string(existing.Status)),
	)

	return existing, false, nil
}

// MarkJobSent records a successful dispatch
func (t *Tx) MarkJobSent(ctx context.Context, id uuid.UUID, sentAt time.Time, metadata json.RawMessage) error {
	query := `
		UPDATE send_jobs
		SET status = $1, sent_at = $2, metadata = $3, error = NULL, updated_at = NOW()
		WHERE id = $4
	`

	var meta []byte
	if len(metadata) > 0 {
		meta = metadata
	}

	result, err := t.tx.Exec(ctx, query, JobStatusSent, sentAt.UTC(), meta, id)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("send job %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkJobFailed records a failed dispatch with its reason
func (t *Tx) MarkJobFailed(ctx context.Context, id uuid.UUID, reason string, metadata json.RawMessage) error {
	query := `
		UPDATE send_jobs
		SET status = $1, error = $2, metadata = $3, sent_at = NULL, updated_at = NOW()
		WHERE id = $4
	`

	var meta []byte
	if len(metadata) > 0 {
		meta = metadata
	}

	result, err := t.tx.Exec(ctx, query, JobStatusFailed, reason, meta, id)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("send job %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDropExpanded moves a drop from pending to expanded. If the drop is no
// longer pending it returns ErrDropNotPending and changes nothing.
func (t *Tx) MarkDropExpanded(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE scheduled_drops
		SET status = $1, expanded_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := t.tx.Exec(ctx, query, DropStatusExpanded, at.UTC(), id, DropStatusPending)
	if err != nil {
		return fmt.Errorf("mark drop expanded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDropNotPending
	}
	return nil
}
