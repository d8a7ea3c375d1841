package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/database"
	"github.com/maltedev/stealth-crawler/internal/jobs"
	"github.com/maltedev/stealth-crawler/internal/proxy"
	"github.com/maltedev/stealth-crawler/internal/source"
	"github.com/maltedev/stealth-crawler/internal/storage"
)

// ProxyStats exposes the pool snapshot.
type ProxyStats interface {
	Stats() proxy.Stats
}

// ResultLoader reads stored crawl results.
type ResultLoader interface {
	Load(id string) (*crawl.Result, error)
}

// RunHistory lists persisted run summaries.
type RunHistory interface {
	ListRecent(ctx context.Context, source string, limit int) ([]*database.RunRecord, error)
}

// OutboxStatus reports relay backlog for the health check.
type OutboxStatus interface {
	GetPendingCount(ctx context.Context) (int64, error)
	GetDeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	jobs    *jobs.Manager
	proxies ProxyStats
	logger  *slog.Logger

	// Optional collaborators; nil disables the matching endpoint or check.
	Results ResultLoader
	Runs    RunHistory
	Outbox  OutboxStatus
}

func NewHandlers(jobs *jobs.Manager, proxies ProxyStats, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jobs:    jobs,
		proxies: proxies,
		logger:  logger.With("component", "api"),
	}
}

// Health reports liveness and, when the outbox is wired, its backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.Outbox != nil {
		pending, _ := h.Outbox.GetPendingCount(r.Context())
		deadLetter, _ := h.Outbox.GetDeadLetterCount(r.Context())
		health["outbox"] = map[string]any{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
		if deadLetter > 100 {
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) GetProxies(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.proxies.Stats())
}

// SourceInfo is the public view of a source definition.
type SourceInfo struct {
	Name      string   `json:"name"`
	Seeds     []string `json:"seeds"`
	Pages     int      `json:"pages,omitempty"`
	Transport string   `json:"transport,omitempty"`
	Fields    []string `json:"fields"`
}

func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	defs := h.jobs.Definitions()
	out := make([]SourceInfo, 0, len(defs))
	for _, d := range defs {
		fields := make([]string, 0, len(d.Item.Fields))
		for name := range d.Item.Fields {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		out = append(out, SourceInfo{
			Name:      d.Name,
			Seeds:     d.Seeds,
			Pages:     d.Pages,
			Transport: d.Transport,
			Fields:    fields,
		})
	}
	h.respondJSON(w, http.StatusOK, out)
}

type CreateCrawlRequest struct {
	Source string `json:"source"`
}

func (h *Handlers) CreateCrawl(w http.ResponseWriter, r *http.Request) {
	var req CreateCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Source == "" {
		h.respondError(w, http.StatusBadRequest, "source is required")
		return
	}

	job, err := h.jobs.Submit(req.Source)
	switch {
	case errors.Is(err, source.ErrSourceNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, jobs.ErrJobActive):
		h.respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to create crawl", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create crawl")
		return
	}

	h.respondJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) ListCrawls(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.List())
}

func (h *Handlers) GetCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "crawl not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) CancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := h.jobs.Cancel(jobID)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		h.respondError(w, http.StatusNotFound, "crawl not found")
		return
	case errors.Is(err, jobs.ErrJobFinished):
		h.respondError(w, http.StatusConflict, "crawl already finished")
		return
	case err != nil:
		h.respondError(w, http.StatusInternalServerError, "failed to cancel crawl")
		return
	}

	job, _ := h.jobs.Get(jobID)
	h.respondJSON(w, http.StatusAccepted, job)
}

// GetCrawlResult returns the stored result, items included, of a finished
// crawl job.
func (h *Handlers) GetCrawlResult(w http.ResponseWriter, r *http.Request) {
	if h.Results == nil {
		h.respondError(w, http.StatusNotImplemented, "result storage not configured")
		return
	}

	job, err := h.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "crawl not found")
		return
	}
	if job.RunID == "" {
		h.respondError(w, http.StatusConflict, "crawl has no result yet")
		return
	}

	result, err := h.Results.Load(job.RunID)
	if errors.Is(err, storage.ErrResultNotFound) {
		h.respondError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load result", "run_id", job.RunID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// ListRuns returns persisted run summaries, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		h.respondError(w, http.StatusNotImplemented, "run history not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Runs.ListRecent(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*database.RunRecord{}
	}
	h.respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
