package crawl

import (
	"context"
	"math"
	"time"
)

// Item is one extracted record, keyed by field name.
type Item map[string]string

// Source is the per-site collaborator the orchestrator drives. ParseItem
// returns a nil Item when the page holds nothing worth keeping.
type Source interface {
	Name() string
	SeedURLs(ctx context.Context) ([]string, error)
	ParseListing(content, pageURL string) ([]string, error)
	ParseItem(content, pageURL string) (Item, error)
}

// Result is the outcome of one crawl run. Individual failures are recorded
// in Errors and never discard what was collected.
type Result struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Transport string `json:"transport"`

	Seeds        int `json:"seeds"`
	Candidates   int `json:"candidates"`
	PagesFetched int `json:"pages_fetched"`
	PagesFailed  int `json:"pages_failed"`
	PagesSkipped int `json:"pages_skipped"`

	Items  []Item   `json:"items"`
	Errors []string `json:"errors"`

	Cancelled  bool      `json:"cancelled"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SuccessRate is items/(items+errors), 0 when the run produced neither.
func (r *Result) SuccessRate() float64 {
	total := len(r.Items) + len(r.Errors)
	if total == 0 {
		return 0
	}
	return float64(len(r.Items)) / float64(total)
}

// Summary is the item-free view of a result used for persistence and
// events.
type Summary struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Transport       string    `json:"transport"`
	Seeds           int       `json:"seeds"`
	Candidates      int       `json:"candidates"`
	PagesFetched    int       `json:"pages_fetched"`
	PagesFailed     int       `json:"pages_failed"`
	PagesSkipped    int       `json:"pages_skipped"`
	Items           int       `json:"items"`
	Errors          int       `json:"errors"`
	SuccessRate     float64   `json:"success_rate"`
	Cancelled       bool      `json:"cancelled"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

func (r *Result) Summary() Summary {
	return Summary{
		ID:              r.ID,
		Source:          r.Source,
		Transport:       r.Transport,
		Seeds:           r.Seeds,
		Candidates:      r.Candidates,
		PagesFetched:    r.PagesFetched,
		PagesFailed:     r.PagesFailed,
		PagesSkipped:    r.PagesSkipped,
		Items:           len(r.Items),
		Errors:          len(r.Errors),
		SuccessRate:     math.Round(r.SuccessRate()*1000) / 1000,
		Cancelled:       r.Cancelled,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationSeconds: math.Round(r.Duration().Seconds()*100) / 100,
	}
}
