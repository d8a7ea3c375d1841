package fetch

import (
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/maltedev/stealth-crawler/internal/fingerprint"
	"github.com/maltedev/stealth-crawler/internal/proxy"
	"github.com/maltedev/stealth-crawler/internal/ratelimit"
)

const maxBodyBytes = 20 << 20

type HTTPOptions struct {
	Proxies ProxySelector
	Policy  RetryPolicy
	Delay   ratelimit.Jitter
	Timeout time.Duration
	Logger  *slog.Logger

	// Sleep and Headers are replaced in tests.
	Sleep   ratelimit.SleepFunc
	Headers func() http.Header
}

// HTTPTransport performs stateless per-request fetches with randomized
// headers, a proxy drawn from the pool per attempt, and the shared retry
// policy. Callers hold a gate permit around Fetch.
type HTTPTransport struct {
	proxies ProxySelector
	policy  RetryPolicy
	delay   ratelimit.Jitter
	timeout time.Duration
	sleep   ratelimit.SleepFunc
	headers func() http.Header
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = ratelimit.Sleep
	}
	if opts.Headers == nil {
		opts.Headers = fingerprint.Headers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &HTTPTransport{
		proxies: opts.Proxies,
		policy:  opts.Policy,
		delay:   opts.Delay,
		timeout: opts.Timeout,
		sleep:   opts.Sleep,
		headers: opts.Headers,
		logger:  opts.Logger.With("component", "http_transport"),
		clients: make(map[string]*http.Client),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Fetch(ctx context.Context, target string) (string, error) {
	loop := retryLoop{policy: t.policy, sleep: t.sleep, logger: t.logger}
	return loop.run(ctx, target, func(ctx context.Context, retry int) (string, Attempt) {
		return t.attempt(ctx, target)
	})
}

func (t *HTTPTransport) attempt(ctx context.Context, target string) (string, Attempt) {
	if err := t.sleep(ctx, t.delay.Duration()); err != nil {
		return "", Attempt{Outcome: OutcomeCancelled, Err: err}
	}

	proxyURL := ""
	if t.proxies != nil {
		if u, ok := t.proxies.Select(); ok {
			proxyURL = u
		}
	}
	a := Attempt{Proxy: proxyURL}

	client, err := t.client(proxyURL)
	if err != nil {
		a.Outcome = OutcomeTransportError
		a.Err = err
		return "", a
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		a.Outcome = OutcomeFailed
		a.Err = fmt.Errorf("build request: %w", err)
		return "", a
	}
	req.Header = t.headers()

	resp, err := client.Do(req)
	if err != nil {
		a.Outcome = classifyError(ctx, err)
		a.Err = err
		return "", a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	a.Outcome = ClassifyStatus(resp.StatusCode, http.StatusOK+1)

	switch a.Outcome {
	case OutcomeSuccess:
		body, err := readBody(resp)
		if err != nil {
			a.Outcome = classifyError(ctx, err)
			a.Err = fmt.Errorf("read body: %w", err)
			return "", a
		}
		if proxyURL != "" {
			t.proxies.ReportSuccess(proxyURL)
		}
		return body, a
	case OutcomeBlocked:
		if proxyURL != "" {
			t.proxies.ReportFailure(proxyURL)
		}
		t.logger.Warn("blocked", "url", target, "proxy", proxy.MaskURL(proxyURL))
	case OutcomeRateLimited:
		t.logger.Warn("rate limited", "url", target, "proxy", proxy.MaskURL(proxyURL))
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return "", a
}

// client returns a pooled client for the proxy; "" is the direct client.
func (t *HTTPTransport) client(proxyURL string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[proxyURL]; ok {
		return c, nil
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %s: %w", proxy.MaskURL(proxyURL), err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := &http.Client{Transport: transport}
	t.clients[proxyURL] = c
	return c, nil
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.clients {
		c.CloseIdleConnections()
	}
	t.clients = make(map[string]*http.Client)
	return nil
}

func classifyError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimedOut
	}
	return OutcomeTransportError
}

// readBody decodes the body according to Content-Encoding. Setting
// Accept-Encoding by hand disables net/http's transparent gzip handling.
func readBody(resp *http.Response) (string, error) {
	var r io.Reader = resp.Body

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(resp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
