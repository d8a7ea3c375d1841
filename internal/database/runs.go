package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/events"
)

var ErrRunNotFound = errors.New("crawl run not found")

// RunRecord is a stored crawl run summary.
type RunRecord struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Transport    string    `json:"transport"`
	Seeds        int       `json:"seeds"`
	Candidates   int       `json:"candidates"`
	PagesFetched int       `json:"pages_fetched"`
	PagesFailed  int       `json:"pages_failed"`
	PagesSkipped int       `json:"pages_skipped"`
	ItemCount    int       `json:"item_count"`
	ErrorCount   int       `json:"error_count"`
	Errors       []string  `json:"errors"`
	Cancelled    bool      `json:"cancelled"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RunRepository stores run summaries and, in the same transaction, the
// outbox event announcing them.
type RunRepository struct {
	db     *DB
	outbox *OutboxRepository
	stream string
	logger *slog.Logger
}

func NewRunRepository(db *DB, stream string, logger *slog.Logger) *RunRepository {
	if stream == "" {
		stream = events.DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{
		db:     db,
		outbox: NewOutboxRepository(db),
		stream: stream,
		logger: logger.With("component", "run_repository"),
	}
}

// Save implements crawl.Sink.
func (r *RunRepository) Save(ctx context.Context, result *crawl.Result) error {
	errs, err := json.Marshal(result.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	ev, err := events.NewRunEvent(result)
	if err != nil {
		return err
	}
	outboxEvent := newOutboxEvent(ev, r.stream)

	query := `
		INSERT INTO crawl_runs (
			id, source, transport, seeds, candidates,
			pages_fetched, pages_failed, pages_skipped,
			item_count, error_count, errors, cancelled,
			started_at, finished_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			pages_fetched = EXCLUDED.pages_fetched,
			pages_failed  = EXCLUDED.pages_failed,
			pages_skipped = EXCLUDED.pages_skipped,
			item_count    = EXCLUDED.item_count,
			error_count   = EXCLUDED.error_count,
			errors        = EXCLUDED.errors,
			cancelled     = EXCLUDED.cancelled,
			finished_at   = EXCLUDED.finished_at`

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			result.ID, result.Source, result.Transport, result.Seeds, result.Candidates,
			result.PagesFetched, result.PagesFailed, result.PagesSkipped,
			len(result.Items), len(result.Errors), errs, result.Cancelled,
			result.StartedAt, result.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to insert crawl run: %w", err)
		}
		return r.outbox.InsertWithTx(ctx, tx, outboxEvent)
	})
	if err != nil {
		return err
	}

	r.logger.Info("crawl run stored",
		"run_id", result.ID,
		"source", result.Source,
		"items", len(result.Items),
		"outbox_id", outboxEvent.ID)
	return nil
}

const runColumns = `
	id, source, transport, seeds, candidates,
	pages_fetched, pages_failed, pages_skipped,
	item_count, error_count, errors, cancelled,
	started_at, finished_at`

func (r *RunRepository) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = $1`, id)
	rec, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return rec, err
}

// ListRecent returns the newest runs first, optionally for one source.
func (r *RunRepository) ListRecent(ctx context.Context, source string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM crawl_runs
		WHERE ($1 = '' OR source = $1)
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.pool.Query(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*RunRecord, error) {
	rec := &RunRecord{}
	var errs []byte
	err := row.Scan(
		&rec.ID, &rec.Source, &rec.Transport, &rec.Seeds, &rec.Candidates,
		&rec.PagesFetched, &rec.PagesFailed, &rec.PagesSkipped,
		&rec.ItemCount, &rec.ErrorCount, &errs, &rec.Cancelled,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &rec.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors: %w", err)
		}
	}
	return rec, nil
}
