package pipeline

import (
	"context"
	"errors"
	"time"
)

// EventDropExpanded is the type of the event published after a drop's unit
// of work commits.
const EventDropExpanded = "drop.expanded"

// DropExpandedEvent is the wire body shared by every event sink
type DropExpandedEvent struct {
	Type        string    `json:"type"`
	DropID      string    `json:"drop_id"`
	CampaignID  string    `json:"campaign_id"`
	JobsCreated int       `json:"jobs_created"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Ineligible  int       `json:"ineligible"`
	ExpandedAt  time.Time `json:"expanded_at"`
	PublishedAt int64     `json:"published_at"`
}

// NewDropExpandedEvent builds the event for a committed expansion
func NewDropExpandedEvent(result *ExpandResult, publishedAt time.Time) DropExpandedEvent {
	return DropExpandedEvent{
		Type:        EventDropExpanded,
		DropID:      result.DropID.String(),
		CampaignID:  result.CampaignID.String(),
		JobsCreated: result.JobsCreated,
		Sent:        result.Sent,
		Failed:      result.Failed,
		Ineligible:  result.Ineligible,
		ExpandedAt:  result.ExpandedAt,
		PublishedAt: publishedAt.UnixNano(),
	}
}

type fanout []EventPublisher

// Fanout publishes every event to each non-nil publisher. It returns nil
// when none are given.
func Fanout(publishers ...EventPublisher) EventPublisher {
	var f fanout
	for _, p := range publishers {
		if p != nil {
			f = append(f, p)
		}
	}
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0]
	}
	return f
}

func (f fanout) PublishDropExpanded(ctx context.Context, result *ExpandResult) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishDropExpanded(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
