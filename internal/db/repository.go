package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrDropNotPending is returned when a drop status transition finds the drop
// already expanded or cancelled.
var ErrDropNotPending = errors.New("drop is not pending")

const dropColumns = `
	id, campaign_id, content_item_id, publish_at, status,
	expanded_at, created_at, updated_at
`

const jobColumns = `
	id, drop_id, user_id, channel, status, idempotency_key,
	error, sent_at, metadata, created_at, updated_at
`

// Repository handles database operations for drops and send jobs
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new drop repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DueDrops returns pending drops whose publish time has passed, oldest first.
// It has no side effects.
func (r *Repository) DueDrops(ctx context.Context, now time.Time, limit int) ([]ScheduledDrop, error) {
	query := `
		SELECT ` + dropColumns + `
		FROM scheduled_drops
		WHERE status = $1 AND publish_at <= $2
		ORDER BY publish_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, DropStatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due drops: %w", err)
	}
	defer rows.Close()

	var drops []ScheduledDrop
	for rows.Next() {
		drop, err := scanDrop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drop: %w", err)
		}
		drops = append(drops, *drop)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return drops, nil
}

// InTx runs fn inside a single transaction. Any error from fn rolls the
// transaction back; otherwise it commits.
func (r *Repository) InTx(ctx context.Context, fn func(*Tx) error) error {
	pgTx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(&Tx{tx: pgTx, logger: r.logger}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetDrop retrieves a scheduled drop by ID
func (r *Repository) GetDrop(ctx context.Context, id uuid.UUID) (*ScheduledDrop, error) {
	query := `SELECT ` + dropColumns + ` FROM scheduled_drops WHERE id = $1`

	drop, err := scanDrop(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to get drop",
			zap.Error(err),
			zap.String("drop_id", id.String()),
		)
		return nil, fmt.Errorf("query drop: %w", err)
	}

	return drop, nil
}

// ListJobsByDrop retrieves the send jobs of a drop with pagination. A nil
// status lists every job.
func (r *Repository) ListJobsByDrop(
	ctx context.Context,
	dropID uuid.UUID,
	status *JobStatus,
	limit int,
	offset int,
) ([]*SendJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM send_jobs
		WHERE drop_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`

	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	rows, err := r.db.Pool().Query(ctx, query, dropID, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query send jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SendJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// CancelDrop moves a pending drop to cancelled. Drops that are already
// expanded or cancelled return ErrDropNotPending.
func (r *Repository) CancelDrop(ctx context.Context, id uuid.UUID) (*ScheduledDrop, error) {
	query := `
		UPDATE scheduled_drops
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING ` + dropColumns

	drop, err := scanDrop(r.db.Pool().QueryRow(ctx, query, DropStatusCancelled, id, DropStatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		// Tell a missing drop apart from one that has already moved on.
		if _, getErr := r.GetDrop(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDropNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("cancel drop: %w", err)
	}

	r.logger.Info("drop cancelled", zap.String("drop_id", id.String()))

	return drop, nil
}

func scanDrop(row pgx.Row) (*ScheduledDrop, error) {
	var drop ScheduledDrop
	err := row.Scan(
		&drop.ID,
		&drop.CampaignID,
		&drop.ContentItemID,
		&drop.PublishAt,
		&drop.Status,
		&drop.ExpandedAt,
		&drop.CreatedAt,
		&drop.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	drop.PublishAt = drop.PublishAt.UTC()
	return &drop, nil
}

func scanJob(row pgx.Row) (*SendJob, error) {
	var job SendJob
	var metadata []byte
	err := row.Scan(
		&job.ID,
		&job.DropID,
		&job.UserID,
		&job.Channel,
		&job.Status,
		&job.IdempotencyKey,
		&job.Error,
		&job.SentAt,
		&metadata,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Metadata = metadata
	return &job, nil
}
