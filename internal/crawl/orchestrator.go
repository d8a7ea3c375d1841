package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/stealth-crawler/internal/fetch"
	"github.com/maltedev/stealth-crawler/internal/ratelimit"
)

const DefaultMaxConcurrent = 3

type Options struct {
	MaxConcurrent int
	Logger        *slog.Logger
	// Now is replaced in tests.
	Now func() time.Time
}

// Orchestrator runs the two-phase crawl: listing pages first, then every
// unique item page they link to.
type Orchestrator struct {
	maxConcurrent int
	logger        *slog.Logger
	now           func() time.Time
}

func New(opts Options) *Orchestrator {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		maxConcurrent: opts.MaxConcurrent,
		logger:        opts.Logger.With("component", "orchestrator"),
		now:           opts.Now,
	}
}

// run holds the mutable state of one Run call.
type run struct {
	mu     sync.Mutex
	result *Result
	seen   map[string]struct{}
	found  []string
}

func (r *run) addError(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Errors = append(r.result.Errors, fmt.Sprintf(format, args...))
}

// Run crawls src through transport. Per-URL failures end up in
// Result.Errors. The returned error is non-nil only when ctx was cancelled,
// in which case the partial result is still returned.
func (o *Orchestrator) Run(ctx context.Context, src Source, transport fetch.Transport) (*Result, error) {
	r := &run{
		result: &Result{
			ID:        uuid.New().String(),
			Source:    src.Name(),
			Transport: transport.Name(),
			Items:     []Item{},
			Errors:    []string{},
			StartedAt: o.now(),
		},
		seen: make(map[string]struct{}),
	}
	logger := o.logger.With("run_id", r.result.ID, "source", src.Name(), "transport", transport.Name())
	gate := ratelimit.NewGate(o.maxConcurrent)

	logger.Info("crawl started", "max_concurrent", o.maxConcurrent)

	seeds, err := src.SeedURLs(ctx)
	if err != nil {
		r.addError("seed urls: %v", err)
	}
	seeds = dedupe(seeds)
	r.result.Seeds = len(seeds)

	o.fanOut(ctx, gate, r, transport, seeds, func(pageURL, content string) {
		links, err := src.ParseListing(content, pageURL)
		if err != nil {
			r.addError("listing parse error (%s): %v", pageURL, err)
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, link := range links {
			if _, ok := r.seen[link]; ok {
				continue
			}
			r.seen[link] = struct{}{}
			r.found = append(r.found, link)
		}
	}, "listing")

	r.result.Candidates = len(r.found)
	logger.Info("listing phase finished", "seeds", len(seeds), "candidates", len(r.found))

	if ctx.Err() == nil {
		o.fanOut(ctx, gate, r, transport, r.found, func(pageURL, content string) {
			item, err := src.ParseItem(content, pageURL)
			if err != nil {
				r.addError("item parse error (%s): %v", pageURL, err)
				return
			}
			if item == nil {
				return
			}
			r.mu.Lock()
			r.result.Items = append(r.result.Items, item)
			r.mu.Unlock()
		}, "detail")
	} else {
		r.result.PagesSkipped += len(r.found)
	}

	r.result.FinishedAt = o.now()

	if err := ctx.Err(); err != nil {
		r.result.Cancelled = true
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("run cancelled: %v", err))
		logger.Warn("crawl cancelled",
			"items", len(r.result.Items),
			"errors", len(r.result.Errors),
			"skipped", r.result.PagesSkipped)
		return r.result, err
	}

	logger.Info("crawl finished",
		"items", len(r.result.Items),
		"errors", len(r.result.Errors),
		"pages_fetched", r.result.PagesFetched,
		"success_rate", r.result.SuccessRate(),
		"duration", r.result.Duration())

	return r.result, nil
}

// fanOut fetches every URL in its own goroutine, holding a gate permit per
// fetch, and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, gate *ratelimit.Gate, r *run, transport fetch.Transport,
	urls []string, handle func(pageURL, content string), phase string) {
	var g errgroup.Group

	for _, u := range urls {
		u := u
		g.Go(func() error {
			var content string
			err := gate.Do(ctx, func(ctx context.Context) error {
				var err error
				content, err = transport.Fetch(ctx, u)
				return err
			})

			switch {
			case err == nil:
				r.mu.Lock()
				r.result.PagesFetched++
				r.mu.Unlock()
				handle(u, content)
			case ctx.Err() != nil:
				r.mu.Lock()
				r.result.PagesSkipped++
				r.mu.Unlock()
			default:
				r.mu.Lock()
				r.result.PagesFailed++
				r.mu.Unlock()
				r.addError("%s fetch failed (%s): %v", phase, u, err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// IsCancelled reports whether err ended a run early.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
