package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMinHealthScore = 0.2
	DefaultCooldown       = 300 * time.Second

	// minSelectionWeight keeps proxies with a zero score selectable within
	// the healthy tier when the threshold is configured at 0.
	minSelectionWeight = 0.1
)

var ErrInvalidProxy = errors.New("invalid proxy url")

// Endpoint tracks the observed health of one upstream proxy.
type Endpoint struct {
	url           string
	successes     uint64
	failures      uint64
	lastFailureAt time.Time
}

func (e *Endpoint) URL() string { return e.url }

// Score is the success ratio, 1.0 while the endpoint is untested.
func (e *Endpoint) Score() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 1.0
	}
	return float64(e.successes) / float64(total)
}

func (e *Endpoint) cooledDown(now time.Time, window time.Duration) bool {
	if e.lastFailureAt.IsZero() {
		return true
	}
	return now.Sub(e.lastFailureAt) >= window
}

// Pool selects proxies weighted by health. Composition is fixed at
// construction; only the per-endpoint counters change during a run.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	byURL     map[string]*Endpoint

	minHealthScore float64
	cooldown       time.Duration

	now    func() time.Time
	rnd    *rand.Rand
	logger *slog.Logger
}

type Option func(*Pool)

func WithMinHealthScore(score float64) Option {
	return func(p *Pool) { p.minHealthScore = score }
}

func WithCooldown(d time.Duration) Option {
	return func(p *Pool) { p.cooldown = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rnd = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New builds a pool from proxy connection strings. Malformed entries are
// skipped with a warning and duplicates collapse. An empty list yields a
// valid pool that always selects a direct connection.
func New(rawURLs []string, opts ...Option) *Pool {
	p := &Pool{
		byURL:          make(map[string]*Endpoint),
		minHealthScore: DefaultMinHealthScore,
		cooldown:       DefaultCooldown,
		now:            time.Now,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "proxy_pool")

	for i, raw := range rawURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := Parse(raw); err != nil {
			p.logger.Warn("skipping malformed proxy entry", "index", i, "error", err)
			continue
		}
		if _, exists := p.byURL[raw]; exists {
			continue
		}
		e := &Endpoint{url: raw}
		p.endpoints = append(p.endpoints, e)
		p.byURL[raw] = e
	}

	if len(p.endpoints) > 0 {
		p.logger.Info("proxy pool initialised", "size", len(p.endpoints))
	} else {
		p.logger.Info("no proxies configured, requests will use direct connection")
	}

	return p
}

// Select picks a proxy for the next request. The second return value is
// false when the pool is empty or every endpoint is cooling down, in which
// case the caller connects directly.
func (p *Pool) Select() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	var healthy []*Endpoint
	for _, e := range p.endpoints {
		if e.Score() >= p.minHealthScore && e.cooledDown(now, p.cooldown) {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) > 0 {
		return p.weightedPick(healthy).url, true
	}

	var cooled []*Endpoint
	for _, e := range p.endpoints {
		if e.cooledDown(now, p.cooldown) {
			cooled = append(cooled, e)
		}
	}
	if len(cooled) > 0 {
		return cooled[p.rnd.Intn(len(cooled))].url, true
	}

	return "", false
}

// weightedPick must be called with p.mu held.
func (p *Pool) weightedPick(candidates []*Endpoint) *Endpoint {
	weights := make([]float64, len(candidates))
	var total float64
	for i, e := range candidates {
		weights[i] = math.Max(e.Score(), minSelectionWeight)
		total += weights[i]
	}

	r := p.rnd.Float64() * total
	for i, w := range weights {
		if r < w {
			return candidates[i]
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

func (p *Pool) ReportSuccess(proxyURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byURL[proxyURL]; ok {
		e.successes++
	}
}

// ReportFailure penalises the endpoint and starts its cooldown window.
func (p *Pool) ReportFailure(proxyURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byURL[proxyURL]
	if !ok {
		return
	}
	e.failures++
	e.lastFailureAt = p.now()

	if score := e.Score(); score < p.minHealthScore {
		p.logger.Warn("proxy health dropped, entering cooldown",
			"proxy", MaskURL(proxyURL),
			"score", roundScore(score),
			"cooldown", p.cooldown)
	}
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// EndpointStats is the externally visible view of one endpoint.
type EndpointStats struct {
	URL        string  `json:"url"`
	Score      float64 `json:"score"`
	Successes  uint64  `json:"successes"`
	Failures   uint64  `json:"failures"`
	CooledDown bool    `json:"cooled_down"`
}

type Stats struct {
	Total   int             `json:"total"`
	Healthy int             `json:"healthy"`
	Proxies []EndpointStats `json:"proxies"`
}

// Stats returns a snapshot with credentials masked.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := Stats{
		Total:   len(p.endpoints),
		Proxies: make([]EndpointStats, 0, len(p.endpoints)),
	}
	for _, e := range p.endpoints {
		cooled := e.cooledDown(now, p.cooldown)
		if cooled && e.Score() >= p.minHealthScore {
			stats.Healthy++
		}
		stats.Proxies = append(stats.Proxies, EndpointStats{
			URL:        MaskURL(e.url),
			Score:      roundScore(e.Score()),
			Successes:  e.successes,
			Failures:   e.failures,
			CooledDown: cooled,
		})
	}
	return stats
}

func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

// Parse validates a proxy connection string.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}
	return u, nil
}

// MaskURL hides proxy credentials: at most two characters of the username
// survive and the password is never shown.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid proxy url>"
	}
	if u.User == nil {
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	user := u.User.Username()
	if r := []rune(user); len(r) > 2 {
		user = string(r[:2])
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return fmt.Sprintf("%s://%s***:***@%s", u.Scheme, user, u.Host)
	}
	return fmt.Sprintf("%s://%s***@%s", u.Scheme, user, u.Host)
}
