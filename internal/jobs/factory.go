package jobs

import (
	"context"
	"log/slog"

	"github.com/maltedev/stealth-crawler/internal/browser"
	"github.com/maltedev/stealth-crawler/internal/config"
	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/fetch"
	"github.com/maltedev/stealth-crawler/internal/ratelimit"
	"github.com/maltedev/stealth-crawler/internal/source"
)

// TransportFactory builds the fetch transport for one source run from the
// process configuration and the shared proxy pool.
type TransportFactory struct {
	Config  *config.Config
	Proxies fetch.ProxySelector
	Logger  *slog.Logger

	// NewEngine starts the browser engine. Defaults to Playwright.
	NewEngine func() (browser.Engine, error)
}

func (f *TransportFactory) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// New returns the transport the definition asks for, or the configured
// default. A browser request falls back to HTTP when no engine can start.
func (f *TransportFactory) New(def source.Definition) (fetch.Transport, error) {
	preferred := def.Transport
	if preferred == "" {
		preferred = f.Config.Crawler.Transport
	}
	return crawl.SelectTransport(preferred,
		func() (fetch.Transport, error) { return f.newBrowser(def) },
		func() fetch.Transport { return f.newHTTP(def) },
		f.logger())
}

func (f *TransportFactory) policy() fetch.RetryPolicy {
	p := fetch.DefaultRetryPolicy()
	p.MaxRetries = f.Config.Crawler.MaxRetries
	return p
}

func (f *TransportFactory) delay(def source.Definition) ratelimit.Jitter {
	lo, hi := f.Config.Crawler.DelayMin, f.Config.Crawler.DelayMax
	if def.DelayMax > 0 {
		lo, hi = def.DelayMin, def.DelayMax
	}
	return ratelimit.NewJitter(lo, hi)
}

func (f *TransportFactory) newHTTP(def source.Definition) fetch.Transport {
	return fetch.NewHTTPTransport(fetch.HTTPOptions{
		Proxies: f.Proxies,
		Policy:  f.policy(),
		Delay:   f.delay(def),
		Timeout: f.Config.Crawler.RequestTimeout,
		Logger:  f.logger(),
	})
}

func (f *TransportFactory) newBrowser(def source.Definition) (fetch.Transport, error) {
	newEngine := f.NewEngine
	if newEngine == nil {
		newEngine = func() (browser.Engine, error) { return browser.NewPlaywrightEngine(f.logger()) }
	}
	engine, err := newEngine()
	if err != nil {
		return nil, err
	}

	cfg := f.Config.Browser
	session := browser.NewSession(engine, browser.SessionOptions{
		Headless:           cfg.Headless,
		MaxPagesPerSession: cfg.MaxPagesPerSession,
		Proxies:            f.Proxies,
		Logger:             f.logger(),
	})
	if err := session.Start(context.Background()); err != nil {
		session.Close()
		return nil, err
	}

	opts := browser.DefaultTransportOptions()
	opts.Policy.MaxRetries = f.Config.Crawler.MaxRetries
	opts.Proxies = f.Proxies
	opts.NavigationTimeout = cfg.NavigationTimeout
	opts.SelectorTimeout = cfg.SelectorTimeout
	opts.WaitSelector = def.WaitSelector
	if def.DelayMax > 0 {
		opts.PreNavigationDelay = ratelimit.NewJitter(def.DelayMin, def.DelayMax)
	}
	opts.Logger = f.logger()

	return browser.NewTransport(session, opts), nil
}
