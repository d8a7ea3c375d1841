package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/maltedev/stealth-crawler/internal/fetch"
	"github.com/maltedev/stealth-crawler/internal/fingerprint"
	"github.com/maltedev/stealth-crawler/internal/proxy"
	"github.com/maltedev/stealth-crawler/internal/ratelimit"
)

// DefaultCookieSelectors are probed in order after navigation; the first
// visible match is clicked.
var DefaultCookieSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#sp-cc-accept",
	"#uc-btn-accept-banner",
	"button[data-testid='uc-accept-all-button']",
	"[data-cookiebanner='accept_button']",
	".cookie-consent-accept",
	"button:has-text('Alle akzeptieren')",
	"button:has-text('Akzeptieren')",
	"button:has-text('Alle Cookies akzeptieren')",
	"button:has-text('Accept all')",
	"button:has-text('Accept')",
	"button:has-text('Zustimmen')",
}

type TransportOptions struct {
	Policy fetch.RetryPolicy
	// Proxies receives success and failure reports for the proxy the
	// current browser was launched with.
	Proxies fetch.ProxySelector

	PreNavigationDelay ratelimit.Jitter
	NavigationTimeout  time.Duration
	WaitSelector       string
	SelectorTimeout    time.Duration
	CookieSelectors    []string
	CookiePause        ratelimit.Jitter
	ScrollSteps        int
	ScrollPause        ratelimit.Jitter
	SettleDelay        ratelimit.Jitter
	Region             fingerprint.Region

	Logger *slog.Logger
	Sleep  ratelimit.SleepFunc
}

func DefaultTransportOptions() TransportOptions {
	policy := fetch.DefaultRetryPolicy()
	policy.TransientJitter = ratelimit.NewJitter(5*time.Second, 15*time.Second)

	return TransportOptions{
		Policy:             policy,
		PreNavigationDelay: ratelimit.NewJitter(1*time.Second, 3*time.Second),
		NavigationTimeout:  45 * time.Second,
		SelectorTimeout:    15 * time.Second,
		CookieSelectors:    DefaultCookieSelectors,
		CookiePause:        ratelimit.NewJitter(500*time.Millisecond, 1500*time.Millisecond),
		ScrollSteps:        3,
		ScrollPause:        ratelimit.NewJitter(800*time.Millisecond, 2500*time.Millisecond),
		SettleDelay:        ratelimit.NewJitter(1500*time.Millisecond, 4*time.Second),
		Region:             fingerprint.Germany,
	}
}

// Transport fetches pages through a persistent stealth browser session.
type Transport struct {
	session *Session
	opts    TransportOptions
	sleep   ratelimit.SleepFunc
	logger  *slog.Logger
}

func NewTransport(session *Session, opts TransportOptions) *Transport {
	if opts.Sleep == nil {
		opts.Sleep = ratelimit.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 45 * time.Second
	}
	if opts.SelectorTimeout <= 0 || opts.SelectorTimeout > opts.NavigationTimeout {
		opts.SelectorTimeout = opts.NavigationTimeout / 3
	}
	if opts.Region == (fingerprint.Region{}) {
		opts.Region = fingerprint.Germany
	}

	return &Transport{
		session: session,
		opts:    opts,
		sleep:   opts.Sleep,
		logger:  opts.Logger.With("component", "browser_transport"),
	}
}

func (t *Transport) Name() string { return "browser" }

func (t *Transport) Session() *Session { return t.session }

func (t *Transport) Fetch(ctx context.Context, target string) (string, error) {
	return t.opts.Policy.Run(ctx, target, t.sleep, t.logger, nil, func(ctx context.Context, retry int) (string, fetch.Attempt) {
		return t.attempt(ctx, target)
	})
}

func (t *Transport) attempt(ctx context.Context, target string) (string, fetch.Attempt) {
	var a fetch.Attempt

	if err := t.sleep(ctx, t.opts.PreNavigationDelay.Duration()); err != nil {
		a.Outcome, a.Err = fetch.OutcomeCancelled, err
		return "", a
	}

	profile := fingerprint.RandomProfile(t.opts.Region)
	lease, err := t.session.Acquire(ctx, profile)
	if err != nil {
		a.Err = err
		switch {
		case ctx.Err() != nil:
			a.Outcome = fetch.OutcomeCancelled
		case errors.Is(err, ErrSessionClosed):
			a.Outcome = fetch.OutcomeFailed
		default:
			a.Outcome = fetch.OutcomeTransportError
		}
		return "", a
	}
	defer lease.Release()

	a.Proxy = lease.Proxy()
	page := lease.Page

	status, err := page.Goto(ctx, target, t.opts.NavigationTimeout)
	if err != nil {
		a.Err = err
		switch {
		case ctx.Err() != nil:
			a.Outcome = fetch.OutcomeCancelled
		case errors.Is(err, ErrNavigationTimeout):
			a.Outcome = fetch.OutcomeTimedOut
		default:
			a.Outcome = fetch.OutcomeTransportError
		}
		return "", a
	}

	a.StatusCode = status
	if status == 0 {
		a.Outcome = fetch.OutcomeSuccess
	} else {
		a.Outcome = fetch.ClassifyStatus(status, 400)
	}

	switch a.Outcome {
	case fetch.OutcomeBlocked:
		t.reportFailure(a.Proxy)
		t.logger.Warn("blocked, rotating session",
			"url", target,
			"generation", lease.Generation(),
			"proxy", proxy.MaskURL(a.Proxy))
		t.session.ForceRotate(lease.Generation())
		return "", a
	case fetch.OutcomeRateLimited:
		t.logger.Warn("rate limited", "url", target, "proxy", proxy.MaskURL(a.Proxy))
		return "", a
	case fetch.OutcomeFailed:
		a.Err = fmt.Errorf("navigation returned status %d", status)
		return "", a
	}

	content, err := t.readPage(ctx, page, target, profile.ViewportHeight)
	if err != nil {
		a.Err = err
		if ctx.Err() != nil {
			a.Outcome = fetch.OutcomeCancelled
		} else {
			a.Outcome = fetch.OutcomeTransportError
		}
		return "", a
	}

	t.reportSuccess(a.Proxy)
	return content, a
}

// readPage dismisses consent banners, waits for content, scrolls like a
// reader and returns the rendered document.
func (t *Transport) readPage(ctx context.Context, page Page, target string, viewportHeight int) (string, error) {
	if err := t.dismissCookieBanner(ctx, page); err != nil {
		return "", err
	}

	if t.opts.WaitSelector != "" {
		if err := page.WaitForSelector(t.opts.WaitSelector, t.opts.SelectorTimeout); err != nil {
			t.logger.Warn("content selector not found, continuing",
				"url", target,
				"selector", t.opts.WaitSelector,
				"error", err)
		}
	}

	if err := t.scroll(ctx, page, viewportHeight); err != nil {
		return "", err
	}

	if err := t.sleep(ctx, t.opts.SettleDelay.Duration()); err != nil {
		return "", err
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	return content, nil
}

func (t *Transport) dismissCookieBanner(ctx context.Context, page Page) error {
	for _, selector := range t.opts.CookieSelectors {
		visible, err := page.IsVisible(selector)
		if err != nil || !visible {
			continue
		}
		if err := page.Click(selector, 2*time.Second); err != nil {
			t.logger.Debug("cookie banner click failed", "selector", selector, "error", err)
			continue
		}
		t.logger.Debug("cookie banner dismissed", "selector", selector)
		return t.sleep(ctx, t.opts.CookiePause.Duration())
	}
	return nil
}

// scroll moves down 0.3 to 0.8 viewport heights per step.
func (t *Transport) scroll(ctx context.Context, page Page, viewportHeight int) error {
	for i := 0; i < t.opts.ScrollSteps; i++ {
		fraction := 0.3 + 0.5*rand.Float64()
		if err := page.ScrollBy(int(float64(viewportHeight) * fraction)); err != nil {
			t.logger.Debug("scroll failed", "step", i+1, "error", err)
		}
		if err := t.sleep(ctx, t.opts.ScrollPause.Duration()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) reportSuccess(proxyURL string) {
	if proxyURL != "" && t.opts.Proxies != nil {
		t.opts.Proxies.ReportSuccess(proxyURL)
	}
}

func (t *Transport) reportFailure(proxyURL string) {
	if proxyURL != "" && t.opts.Proxies != nil {
		t.opts.Proxies.ReportFailure(proxyURL)
	}
}

// Close shuts down the browser session.
func (t *Transport) Close() error {
	return t.session.Close()
}
