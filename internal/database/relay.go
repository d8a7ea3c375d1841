package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/stealth-crawler/internal/events"
)

// EventPublisher delivers one event to a stream. *events.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, stream string, ev events.Event) error
}

// OutboxRepo is the outbox access the relay needs.
type OutboxRepo interface {
	GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

// Relay moves pending outbox rows onto their target streams.
type Relay struct {
	db        *DB
	publisher EventPublisher
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRelay(db *DB, publisher EventPublisher, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		db:        db,
		publisher: publisher,
		outbox:    NewOutboxRepository(db),
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
	}
}

// Start polls the outbox until ctx is done. The first batch is relayed
// immediately so events left by an earlier process go out on startup.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("relay started", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.processEvents(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processEvents relays one batch. Per-event failures are recorded on the row
// and do not fail the batch.
func (r *Relay) processEvents(ctx context.Context) error {
	pending, err := r.outbox.GetPending(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}

	var relayed, failed int
	for _, event := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.processEvent(ctx, event); err != nil {
			failed++
			r.logger.Warn("outbox event not relayed",
				"event_id", event.ID, "run_id", event.AggregateID, "retry", event.RetryCount+1, "error", err)
			continue
		}
		relayed++
	}

	if len(pending) > 0 {
		r.logger.Debug("outbox batch done", "relayed", relayed, "failed", failed)
	}
	return nil
}

func (r *Relay) processEvent(ctx context.Context, event *OutboxEvent) error {
	if err := r.publisher.Publish(ctx, event.TargetStream, event.Event()); err != nil {
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}

	r.logger.Info("run event relayed",
		"event_id", event.ID, "type", event.EventType, "run_id", event.AggregateID, "stream", event.TargetStream)
	return nil
}

// GetPendingCount counts events still awaiting delivery, including ones
// scheduled for retry.
func (r *Relay) GetPendingCount(ctx context.Context) (int64, error) {
	return r.countByStatus(ctx, OutboxStatusPending, OutboxStatusFailed)
}

func (r *Relay) GetDeadLetterCount(ctx context.Context) (int64, error) {
	return r.countByStatus(ctx, OutboxStatusDeadLetter)
}

func (r *Relay) countByStatus(ctx context.Context, statuses ...string) (int64, error) {
	var n int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_event WHERE status = ANY($1)`, statuses).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox events %v: %w", statuses, err)
	}
	return n, nil
}
