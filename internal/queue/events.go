package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/service"
)

// Event types published on TopicCampaignEvents.
const (
	EventCampaignStopped    = "campaign_stopped"
	EventCacheBuildFinished = "cache_build_finished"
)

// Event is the envelope of every out-of-band notification.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	CampaignID string         `json:"campaign_id,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Stats      map[string]int `json:"stats,omitempty"`

	AccountID         string  `json:"account_id,omitempty"`
	Status            string  `json:"status,omitempty"`
	TotalStored       int     `json:"total_stored,omitempty"`
	CompletionPercent float64 `json:"completion_percent,omitempty"`

	Error string `json:"error,omitempty"`
}

// EventPublisher forwards engine notifications to a Queue.
type EventPublisher struct {
	Queue  Queue
	Topic  string
	Logger *zap.Logger
}

func NewEventPublisher(q Queue, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{Queue: q, Topic: TopicCampaignEvents, Logger: logger}
}

func (p *EventPublisher) CampaignStopped(report model.RunState) {
	p.publish(Event{
		Type:       EventCampaignStopped,
		CampaignID: report.CampaignID,
		AccountID:  report.AccountID,
		Outcome:    string(report.Outcome),
		Stats:      report.Stats(),
		Error:      report.Error,
	})
}

func (p *EventPublisher) CacheBuildFinished(accountID string, meta model.CacheMetadata, buildErr error) {
	e := Event{
		Type:              EventCacheBuildFinished,
		AccountID:         accountID,
		Status:            string(meta.Status),
		TotalStored:       meta.TotalStored,
		CompletionPercent: meta.CompletionPercent,
	}
	if buildErr != nil {
		e.Error = buildErr.Error()
	}
	p.publish(e)
}

func (p *EventPublisher) publish(e Event) {
	e.ID = uuid.NewString()
	e.OccurredAt = time.Now().UTC()

	err := p.Queue.Publish(p.Topic, e)
	switch {
	case err == nil:
		p.Logger.Debug("event published", zap.String("type", e.Type), zap.String("id", e.ID))
	case errors.Is(err, ErrNoSubscribers):
		p.Logger.Debug("event dropped, nobody is listening", zap.String("type", e.Type))
	default:
		p.Logger.Error("publishing event", zap.String("type", e.Type), zap.Error(err))
	}
}

var _ service.Notifier = (*EventPublisher)(nil)
