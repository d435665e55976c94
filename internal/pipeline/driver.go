package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/metrics"
)

// Config sizes a run and bounds each dispatch
type Config struct {
	BatchSize       int
	Concurrency     int
	DispatchTimeout time.Duration
}

// DropFailure records a drop whose unit of work was rolled back
type DropFailure struct {
	DropID uuid.UUID `json:"drop_id"`
	Error  string    `json:"error"`
}

// RunReport summarises one pipeline run
type RunReport struct {
	RunID       uuid.UUID     `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Selected    int           `json:"selected"`
	Expanded    int           `json:"expanded"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	JobsCreated int           `json:"jobs_created"`
	Duplicates  int           `json:"duplicates"`
	Sent        int           `json:"sent"`
	SendFailed  int           `json:"send_failed"`
	Failures    []DropFailure `json:"failures,omitempty"`
}

// Driver selects due drops and expands each in its own unit of work
type Driver struct {
	store    Store
	expander *Expander
	events   EventPublisher
	config   Config
	logger   *zap.Logger

	mu     sync.Mutex
	report *RunReport
}

// New creates a driver. events may be nil.
func New(store Store, dispatcher Dispatcher, events EventPublisher, cfg Config, logger *zap.Logger) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Driver{
		store:    store,
		expander: NewExpander(store, dispatcher, cfg.DispatchTimeout, logger),
		events:   events,
		config:   cfg,
		logger:   logger,
	}
}

// Run performs one pass over the drops due at now. A selector error is
// returned and nothing is expanded; per-drop failures are reported and the
// run carries on.
func (d *Driver) Run(ctx context.Context, now time.Time) (*RunReport, error) {
	report := &RunReport{RunID: uuid.New(), StartedAt: time.Now().UTC()}

	drops, err := d.store.DueDrops(ctx, now, d.config.BatchSize)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		d.logger.Error("failed to select due drops", zap.Error(err))
		return report, fmt.Errorf("select due drops: %w", err)
	}

	report.Selected = len(drops)
	metrics.RecordDropsSelected(len(drops))
	for _, drop := range drops {
		d.logger.Info("drop selected",
			zap.String("run_id", report.RunID.String()),
			zap.String("drop_id", drop.ID.String()),
			zap.String("campaign_id", drop.CampaignID.String()),
			zap.Time("publish_at", drop.PublishAt),
		)
	}

	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, drop := range drops {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(drop db.ScheduledDrop) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := d.expander.Expand(ctx, drop)

			mu.Lock()
			d.record(report, drop, result, err)
			mu.Unlock()

			if err == nil {
				d.publish(ctx, result)
			}
		}(drop)
	}

	wg.Wait()
	report.FinishedAt = time.Now().UTC()

	d.mu.Lock()
	d.report = report
	d.mu.Unlock()

	d.logger.Info("pipeline run finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("selected", report.Selected),
		zap.Int("expanded", report.Expanded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("jobs_created", report.JobsCreated),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("run interrupted: %w", err)
	}
	return report, nil
}

func (d *Driver) record(report *RunReport, drop db.ScheduledDrop, result *ExpandResult, err error) {
	switch {
	case err == nil:
		report.Expanded++
		report.JobsCreated += result.JobsCreated
		report.Duplicates += result.Duplicates
		report.Sent += result.Sent
		report.SendFailed += result.Failed
		metrics.RecordDropExpanded()
		d.logger.Info("drop expanded",
			zap.String("drop_id", drop.ID.String()),
			zap.String("campaign_id", drop.CampaignID.String()),
			zap.Int("recipients", result.Recipients),
			zap.Int("jobs_created", result.JobsCreated),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed),
		)

	case errors.Is(err, ErrDropNotPending):
		report.Skipped++
		metrics.RecordDropSkipped()
		d.logger.Info("drop no longer pending, unit rolled back",
			zap.String("drop_id", drop.ID.String()),
		)

	default:
		report.Failed++
		report.Failures = append(report.Failures, DropFailure{DropID: drop.ID, Error: err.Error()})
		metrics.RecordDropFailure()
		d.logger.Error("drop expansion failed, drop left pending",
			zap.String("drop_id", drop.ID.String()),
			zap.String("campaign_id", drop.CampaignID.String()),
			zap.Error(err),
		)
	}
}

func (d *Driver) publish(ctx context.Context, result *ExpandResult) {
	if d.events == nil {
		return
	}
	err := d.events.PublishDropExpanded(ctx, result)
	metrics.RecordEventPublished(err)
	if err != nil {
		d.logger.Warn("failed to publish drop expanded event",
			zap.String("drop_id", result.DropID.String()),
			zap.Error(err),
		)
	}
}

// LastReport returns the report of the most recent completed run, or nil
func (d *Driver) LastReport() *RunReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.report
}

// Start runs the pipeline every interval until ctx is cancelled
func (d *Driver) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("pipeline ticker stopping")
			return
		case <-ticker.C:
			start := time.Now()
			_, err := d.Run(ctx, start)
			metrics.RecordPipelineRun("ticker", err, time.Since(start))
			if err != nil && ctx.Err() == nil {
				d.logger.Error("pipeline run failed", zap.Error(err))
			}
		}
	}
}
