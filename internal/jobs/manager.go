package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/source"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrJobActive   = errors.New("a crawl for this source is already active")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of one submitted crawl.
type Job struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Status      Status         `json:"status"`
	RunID       string         `json:"run_id,omitempty"`
	Summary     *crawl.Summary `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// CrawlRunner runs one source definition. *Runner implements it.
type CrawlRunner interface {
	Run(ctx context.Context, def source.Definition) (*crawl.Result, error)
}

type entry struct {
	job    Job
	cancel context.CancelFunc
}

// Manager runs crawls in the background, one goroutine per job, and keeps
// their state in memory.
type Manager struct {
	runner CrawlRunner
	defs   []source.Definition
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*entry
	wg   sync.WaitGroup
}

func NewManager(runner CrawlRunner, defs []source.Definition, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		defs:   defs,
		logger: logger.With("component", "job_manager"),
		jobs:   make(map[string]*entry),
	}
}

func (m *Manager) Definitions() []source.Definition {
	return m.defs
}

// Submit starts a crawl of the named source.
func (m *Manager) Submit(sourceName string) (Job, error) {
	def, err := source.Find(m.defs, sourceName)
	if err != nil {
		return Job{}, err
	}

	m.mu.Lock()
	for _, e := range m.jobs {
		if e.job.Source == def.Name && !e.job.Status.Finished() {
			m.mu.Unlock()
			return Job{}, fmt.Errorf("%w: %s (job %s)", ErrJobActive, def.Name, e.job.ID)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		job: Job{
			ID:        uuid.New().String(),
			Source:    def.Name,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
	}
	m.jobs[e.job.ID] = e
	job := e.job
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("job created", "id", job.ID, "source", def.Name)

	go m.execute(ctx, e, def)
	return job, nil
}

func (m *Manager) execute(ctx context.Context, e *entry, def source.Definition) {
	defer m.wg.Done()
	defer e.cancel()

	m.mu.Lock()
	now := time.Now()
	e.job.Status = StatusRunning
	e.job.StartedAt = &now
	id := e.job.ID
	m.mu.Unlock()

	m.logger.Info("processing job", "id", id, "source", def.Name)

	result, err := m.runner.Run(ctx, def)

	m.mu.Lock()
	defer m.mu.Unlock()

	done := time.Now()
	e.job.CompletedAt = &done
	if result != nil {
		summary := result.Summary()
		e.job.RunID = result.ID
		e.job.Summary = &summary
	}

	switch {
	case err == nil:
		e.job.Status = StatusCompleted
		m.logger.Info("job completed", "id", id, "run_id", e.job.RunID)
	case crawl.IsCancelled(err):
		e.job.Status = StatusCancelled
		e.job.Error = err.Error()
		m.logger.Warn("job cancelled", "id", id, "run_id", e.job.RunID)
	default:
		e.job.Status = StatusFailed
		e.job.Error = err.Error()
		m.logger.Error("job failed", "id", id, "error", err)
	}
}

func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.job, nil
}

// List returns all jobs, newest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		jobs = append(jobs, e.job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel aborts a pending or running job. The status turns cancelled once
// the run has wound down and exported its partial result.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	var finished bool
	if ok {
		finished = e.job.Status.Finished()
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if finished {
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}

	m.logger.Info("cancelling job", "id", id)
	e.cancel()
	return nil
}

// Shutdown cancels every job and waits for them to finish or for ctx to
// expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, e := range m.jobs {
		e.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
