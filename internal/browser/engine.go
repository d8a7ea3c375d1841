package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/stealth-crawler/internal/fingerprint"
)

var (
	// ErrUnavailable means the browser engine could not be initialised on
	// this host. Callers fall back to the HTTP transport.
	ErrUnavailable = errors.New("browser engine unavailable")

	ErrSessionClosed      = errors.New("browser session closed")
	ErrNavigationTimeout  = errors.New("navigation timed out")
	ErrSelectorNotVisible = errors.New("selector not visible")
)

// Engine starts browser processes.
type Engine interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
	Close() error
}

type LaunchOptions struct {
	Headless     bool
	Proxy        string
	WindowWidth  int
	WindowHeight int
}

// Instance is one running browser process.
type Instance interface {
	NewPage(ctx context.Context, profile fingerprint.Profile) (Page, error)
	Close() error
}

// Page is an isolated browsing context with a single tab. Close releases
// both.
type Page interface {
	// Goto navigates and returns the main document's HTTP status, or 0 when
	// the navigation produced no response.
	Goto(ctx context.Context, url string, timeout time.Duration) (int, error)
	WaitForSelector(selector string, timeout time.Duration) error
	IsVisible(selector string) (bool, error)
	Click(selector string, timeout time.Duration) error
	ScrollBy(dy int) error
	Content() (string, error)
	Close() error
}

// launchArgs is the hardened Chromium flag set.
func launchArgs(width, height int) []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-infobars",
		"--disable-extensions",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-features=IsolateOrigins,site-per-process",
		fmt.Sprintf("--window-size=%d,%d", width, height),
	}
}
