package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/stealth-crawler/internal/fingerprint"
	"github.com/maltedev/stealth-crawler/internal/proxy"
)

// PlaywrightEngine launches Chromium through a playwright driver.
type PlaywrightEngine struct {
	pw     *playwright.Playwright
	logger *slog.Logger
}

// NewPlaywrightEngine starts the playwright driver. A missing driver or
// Chromium executable yields ErrUnavailable.
func NewPlaywrightEngine(logger *slog.Logger) (*PlaywrightEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: start playwright: %v", ErrUnavailable, err)
	}
	if path := pw.Chromium.ExecutablePath(); path != "" {
		if _, err := os.Stat(path); err != nil {
			pw.Stop()
			return nil, fmt.Errorf("%w: chromium executable: %v", ErrUnavailable, err)
		}
	}
	return &PlaywrightEngine{
		pw:     pw,
		logger: logger.With("component", "browser"),
	}, nil
}

func (e *PlaywrightEngine) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     launchArgs(opts.WindowWidth, opts.WindowHeight),
	}
	if opts.Proxy != "" {
		p, err := proxyConfig(opts.Proxy)
		if err != nil {
			return nil, err
		}
		launchOpts.Proxy = p
	}

	b, err := e.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	e.logger.Info("browser launched",
		"headless", opts.Headless,
		"proxy", proxy.MaskURL(opts.Proxy),
		"window", fmt.Sprintf("%dx%d", opts.WindowWidth, opts.WindowHeight))

	return &playwrightInstance{browser: b, logger: e.logger}, nil
}

func (e *PlaywrightEngine) Close() error {
	if e.pw == nil {
		return nil
	}
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// proxyConfig splits a proxy URL into the server and credential fields the
// browser expects.
func proxyConfig(raw string) (*playwright.Proxy, error) {
	u, err := proxy.Parse(raw)
	if err != nil {
		return nil, err
	}
	p := &playwright.Proxy{
		Server: fmt.Sprintf("%s://%s", u.Scheme, u.Host),
	}
	if u.User != nil {
		p.Username = playwright.String(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			p.Password = playwright.String(pass)
		}
	}
	return p, nil
}

type playwrightInstance struct {
	browser playwright.Browser
	logger  *slog.Logger
}

func (i *playwrightInstance) NewPage(ctx context.Context, profile fingerprint.Profile) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bctx, err := i.browser.NewContext(contextOptions(profile))
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(initScript(profile))}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to add init script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	p := &playwrightPage{
		page:    page,
		context: bctx,
		profile: profile,
		stop:    make(chan struct{}),
		logger:  i.logger,
	}
	p.wg.Add(1)
	go p.moveMouse()

	return p, nil
}

func (i *playwrightInstance) Close() error {
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

func contextOptions(profile fingerprint.Profile) playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(profile.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		BypassCSP:         playwright.Bool(true),
		Locale:            playwright.String(profile.Locale),
		TimezoneId:        playwright.String(profile.Timezone),
		Viewport: &playwright.Size{
			Width:  profile.ViewportWidth,
			Height: profile.ViewportHeight,
		},
		Geolocation: &playwright.Geolocation{
			Latitude:  profile.Latitude,
			Longitude: profile.Longitude,
		},
		Permissions: []string{"geolocation"},
		ColorScheme: colorScheme(profile.ColorScheme),
		ExtraHttpHeaders: map[string]string{
			"Accept-Language":           acceptLanguage(profile),
			"DNT":                       "1",
			"Upgrade-Insecure-Requests": "1",
		},
	}
}

func acceptLanguage(profile fingerprint.Profile) string {
	if profile.AcceptLanguage != "" {
		return profile.AcceptLanguage
	}
	return fingerprint.AcceptLanguage(fingerprint.Languages(profile.Locale))
}

func colorScheme(name string) *playwright.ColorScheme {
	switch name {
	case "dark":
		return playwright.ColorSchemeDark
	case "no-preference":
		return playwright.ColorSchemeNoPreference
	default:
		return playwright.ColorSchemeLight
	}
}

type playwrightPage struct {
	page    playwright.Page
	context playwright.BrowserContext
	profile fingerprint.Profile
	logger  *slog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// moveMouse wanders the cursor across the viewport every few seconds until
// the page is closed.
func (p *playwrightPage) moveMouse() {
	defer p.wg.Done()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		wait := 2*time.Second + time.Duration(rnd.Int63n(int64(3*time.Second)))
		select {
		case <-p.stop:
			return
		case <-time.After(wait):
		}

		x := float64(rnd.Intn(max(p.profile.ViewportWidth, 1)))
		y := float64(rnd.Intn(max(p.profile.ViewportHeight, 1)))
		if err := p.page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(5 + rnd.Intn(20))}); err != nil {
			return
		}
	}
}

func (p *playwrightPage) Goto(ctx context.Context, target string, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := url.Parse(target); err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}

	resp, err := p.page.Goto(target, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return 0, fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
		}
		return 0, fmt.Errorf("navigation failed: %w", err)
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Status(), nil
}

func (p *playwrightPage) WaitForSelector(selector string, timeout time.Duration) error {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSelectorNotVisible, selector, err)
	}
	return nil
}

func (p *playwrightPage) IsVisible(selector string) (bool, error) {
	return p.page.IsVisible(selector)
}

func (p *playwrightPage) Click(selector string, timeout time.Duration) error {
	return p.page.Click(selector, playwright.PageClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *playwrightPage) ScrollBy(dy int) error {
	_, err := p.page.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy))
	return err
}

func (p *playwrightPage) Content() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		if err := p.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close page: %w", err))
		}
		if err := p.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	})
	return errors.Join(errs...)
}
