package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/stealth-crawler/internal/crawl"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeCrawlCompleted EventType = "CRAWL_COMPLETED"
	EventTypeCrawlCancelled EventType = "CRAWL_CANCELLED"

	AggregateTypeCrawlRun = "crawl_run"
	DefaultStream         = "stream:crawl_runs"
)

// Event is the envelope written to a stream.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          EventType       `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"-"`
}

// RunPayload is the body of crawl run events.
type RunPayload struct {
	crawl.Summary
	ErrorSample []string `json:"error_sample,omitempty"`
}

const errorSampleSize = 10

// NewRunEvent builds the completion event for a finished run.
func NewRunEvent(result *crawl.Result) (Event, error) {
	payload := RunPayload{Summary: result.Summary()}
	if n := len(result.Errors); n > 0 {
		payload.ErrorSample = result.Errors[:min(n, errorSampleSize)]
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	eventType := EventTypeCrawlCompleted
	if result.Cancelled {
		eventType = EventTypeCrawlCancelled
	}

	return Event{
		ID:            uuid.New(),
		Type:          eventType,
		AggregateType: AggregateTypeCrawlRun,
		AggregateID:   result.ID,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// RedisClient is the subset of the redis client the publisher uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Publisher writes events to Redis streams.
type Publisher struct {
	redis  RedisClient
	stream string
	logger *slog.Logger
}

func NewPublisher(client RedisClient, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		redis:  client,
		stream: stream,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *Publisher) Stream() string { return p.stream }

// Publish appends ev to stream, or to the publisher's stream when empty.
func (p *Publisher) Publish(ctx context.Context, stream string, ev Event) error {
	if stream == "" {
		stream = p.stream
	}

	var payload any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	data, err := json.Marshal(map[string]any{
		"id":             ev.ID.String(),
		"type":           ev.Type,
		"aggregate_type": ev.AggregateType,
		"aggregate_id":   ev.AggregateID,
		"timestamp":      ev.CreatedAt.Format(time.RFC3339),
		"payload":        payload,
		"metadata": map[string]any{
			"source":      "stealth-crawler",
			"retry_count": ev.RetryCount,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stream data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data":           string(data),
			"type":           string(ev.Type),
			"timestamp":      fmt.Sprintf("%d", ev.CreatedAt.UnixNano()),
			"original_id":    ev.ID.String(),
			"aggregate_id":   ev.AggregateID,
			"aggregate_type": ev.AggregateType,
		},
	}

	id, err := p.redis.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	p.logger.Info("event published",
		"stream", stream,
		"stream_id", id,
		"type", ev.Type,
		"aggregate_id", ev.AggregateID)
	return nil
}

// Save publishes the run event directly. It implements crawl.Sink for
// deployments without the database outbox.
func (p *Publisher) Save(ctx context.Context, result *crawl.Result) error {
	ev, err := NewRunEvent(result)
	if err != nil {
		return err
	}
	return p.Publish(ctx, p.stream, ev)
}
