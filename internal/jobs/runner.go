package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/fetch"
	"github.com/maltedev/stealth-crawler/internal/source"
)

// TransportBuilder creates the transport for one run. *TransportFactory
// implements it.
type TransportBuilder interface {
	New(def source.Definition) (fetch.Transport, error)
}

// Runner executes one source definition end to end: transport, crawl and
// export.
type Runner struct {
	transports    TransportBuilder
	sink          crawl.Sink
	maxConcurrent int
	logger        *slog.Logger
}

func NewRunner(transports TransportBuilder, sink crawl.Sink, maxConcurrent int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		transports:    transports,
		sink:          sink,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Run crawls def. The result is exported even when the run was cancelled,
// so partial work is kept. The returned error is the run's own error; a
// failed export is logged and joined only when the run itself succeeded.
func (r *Runner) Run(ctx context.Context, def source.Definition) (*crawl.Result, error) {
	src, err := source.NewSelectorSource(def)
	if err != nil {
		return nil, err
	}

	transport, err := r.transports.New(def)
	if err != nil {
		return nil, fmt.Errorf("build transport for %s: %w", def.Name, err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			r.logger.Warn("failed to close transport", "source", def.Name, "error", err)
		}
	}()

	maxConcurrent := r.maxConcurrent
	if def.MaxConcurrent > 0 {
		maxConcurrent = def.MaxConcurrent
	}
	orch := crawl.New(crawl.Options{MaxConcurrent: maxConcurrent, Logger: r.logger})

	result, runErr := orch.Run(ctx, src, transport)
	if result == nil {
		return nil, runErr
	}

	if r.sink != nil {
		if err := r.sink.Save(context.WithoutCancel(ctx), result); err != nil {
			r.logger.Error("failed to export result", "run_id", result.ID, "source", def.Name, "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("export result: %w", err)
			}
		}
	}
	return result, runErr
}
