package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/stealth-crawler/internal/browser"
	"github.com/maltedev/stealth-crawler/internal/fetch"
)

// Sink receives finished crawl results.
type Sink interface {
	Save(ctx context.Context, result *Result) error
}

// MultiSink saves to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, result *Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	TransportHTTP    = "http"
	TransportBrowser = "browser"
)

// SelectTransport builds the preferred transport. When the browser is
// requested but cannot start, the HTTP transport is used instead.
func SelectTransport(preferred string, newBrowser func() (fetch.Transport, error), newHTTP func() fetch.Transport, logger *slog.Logger) (fetch.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch preferred {
	case "", TransportHTTP:
		return newHTTP(), nil
	case TransportBrowser:
		t, err := newBrowser()
		if err == nil {
			return t, nil
		}
		if errors.Is(err, browser.ErrUnavailable) {
			logger.Warn("browser engine unavailable, falling back to http transport", "error", err)
		} else {
			logger.Error("browser transport failed to start, falling back to http transport", "error", err)
		}
		return newHTTP(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", preferred)
	}
}
