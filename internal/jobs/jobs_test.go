package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/stealth-crawler/internal/browser"
	"github.com/maltedev/stealth-crawler/internal/config"
	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/proxy"
	"github.com/maltedev/stealth-crawler/internal/source"
)

func shopServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a class="item" href="/p/1">one</a>
			<a class="item" href="/p/2">two</a>
			<a class="item" href="/p/missing">gone</a>
		</body></html>`)
	})
	mux.HandleFunc("/p/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><h1>Shirt</h1><span class="price">19,99</span></html>`)
	})
	mux.HandleFunc("/p/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><h1>Shoes</h1></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func shopDefinition(base string) source.Definition {
	return source.Definition{
		Name:    "test-shop",
		Seeds:   []string{base + "/list"},
		Listing: source.ListingRules{LinkSelector: "a.item"},
		Item: source.ItemRules{
			Fields: map[string]source.FieldRule{
				"title": {Selector: "h1"},
				"price": {Selector: ".price"},
			},
			Required: []string{"title"},
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Crawler: config.CrawlerConfig{
			MaxConcurrent:  2,
			MaxRetries:     0,
			RequestTimeout: 5 * time.Second,
			Transport:      crawl.TransportHTTP,
		},
		Browser: config.BrowserConfig{
			MaxPagesPerSession: 15,
			NavigationTimeout:  time.Second,
			SelectorTimeout:    time.Second,
		},
	}
}

type captureSink struct {
	mu      sync.Mutex
	results []*crawl.Result
	err     error
}

func (s *captureSink) Save(ctx context.Context, r *crawl.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func TestTransportFactory(t *testing.T) {
	t.Run("http by default", func(t *testing.T) {
		f := &TransportFactory{Config: testConfig(), Proxies: proxy.New(nil)}
		tr, err := f.New(source.Definition{Name: "x"})
		require.NoError(t, err)
		assert.Equal(t, "http", tr.Name())
	})

	t.Run("browser falls back to http when engine unavailable", func(t *testing.T) {
		f := &TransportFactory{
			Config:  testConfig(),
			Proxies: proxy.New(nil),
			NewEngine: func() (browser.Engine, error) {
				return nil, fmt.Errorf("%w: driver missing", browser.ErrUnavailable)
			},
		}
		tr, err := f.New(source.Definition{Name: "x", Transport: crawl.TransportBrowser})
		require.NoError(t, err)
		assert.Equal(t, "http", tr.Name())
	})

	t.Run("browser falls back to http when chromium cannot launch", func(t *testing.T) {
		engine := &brokenEngine{}
		f := &TransportFactory{
			Config:    testConfig(),
			Proxies:   proxy.New(nil),
			NewEngine: func() (browser.Engine, error) { return engine, nil },
		}
		tr, err := f.New(source.Definition{Name: "x", Transport: crawl.TransportBrowser})
		require.NoError(t, err)
		assert.Equal(t, "http", tr.Name())
		assert.Equal(t, 1, engine.launches)
		assert.True(t, engine.closed)
	})

	t.Run("unknown transport", func(t *testing.T) {
		f := &TransportFactory{Config: testConfig(), Proxies: proxy.New(nil)}
		_, err := f.New(source.Definition{Name: "x", Transport: "carrier-pigeon"})
		assert.Error(t, err)
	})
}

// brokenEngine starts but cannot launch a browser, like a driver without
// its Chromium download.
type brokenEngine struct {
	launches int
	closed   bool
}

func (e *brokenEngine) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Instance, error) {
	e.launches++
	return nil, errors.New("Executable doesn't exist at /ms-playwright/chromium-1091/chrome-linux/chrome")
}

func (e *brokenEngine) Close() error {
	e.closed = true
	return nil
}

func TestRunner_BrowserWithoutChromiumFallsBackToHTTP(t *testing.T) {
	srv := shopServer(t)
	sink := &captureSink{}
	factory := &TransportFactory{
		Config:    testConfig(),
		Proxies:   proxy.New(nil),
		NewEngine: func() (browser.Engine, error) { return &brokenEngine{}, nil },
	}
	def := shopDefinition(srv.URL)
	def.Transport = crawl.TransportBrowser

	result, err := NewRunner(factory, sink, 2, nil).Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, "http", result.Transport)
	assert.Len(t, result.Items, 2)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "/p/missing")
}

func TestRunner_Run(t *testing.T) {
	srv := shopServer(t)
	sink := &captureSink{}
	factory := &TransportFactory{Config: testConfig(), Proxies: proxy.New(nil)}
	runner := NewRunner(factory, sink, 2, nil)

	result, err := runner.Run(context.Background(), shopDefinition(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "test-shop", result.Source)
	assert.Equal(t, "http", result.Transport)
	assert.Equal(t, 3, result.Candidates)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, 1, result.PagesFailed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "/p/missing")

	require.Len(t, sink.results, 1)
	assert.Equal(t, result.ID, sink.results[0].ID)
}

func TestRunner_ExportFailure(t *testing.T) {
	srv := shopServer(t)
	sink := &captureSink{err: errors.New("disk full")}
	runner := NewRunner(&TransportFactory{Config: testConfig(), Proxies: proxy.New(nil)}, sink, 2, nil)

	result, err := runner.Run(context.Background(), shopDefinition(srv.URL))
	require.NotNil(t, result)
	assert.ErrorContains(t, err, "disk full")
}

func TestRunner_InvalidDefinition(t *testing.T) {
	runner := NewRunner(&TransportFactory{Config: testConfig()}, nil, 2, nil)
	_, err := runner.Run(context.Background(), source.Definition{Name: "broken"})
	assert.ErrorIs(t, err, source.ErrInvalidDefinition)
}

// blockingRunner returns once its context is cancelled or release is
// closed.
type blockingRunner struct {
	started chan string
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, def source.Definition) (*crawl.Result, error) {
	b.started <- def.Name
	result := &crawl.Result{ID: "run-" + def.Name, Source: def.Name, Items: []crawl.Item{}, Errors: []string{}}
	select {
	case <-ctx.Done():
		result.Cancelled = true
		return result, ctx.Err()
	case <-b.release:
		return result, b.err
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(id)
		return err == nil && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestManager_Lifecycle(t *testing.T) {
	defs := []source.Definition{shopDefinition("https://a.test"), {Name: "other"}}
	runner := newBlockingRunner()
	m := NewManager(runner, defs, nil)

	job, err := m.Submit("test-shop")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	<-runner.started
	waitForStatus(t, m, job.ID, StatusRunning)

	_, err = m.Submit("test-shop")
	assert.ErrorIs(t, err, ErrJobActive)

	close(runner.release)
	done := waitForStatus(t, m, job.ID, StatusCompleted)
	assert.Equal(t, "run-test-shop", done.RunID)
	require.NotNil(t, done.Summary)
	assert.NotNil(t, done.CompletedAt)

	assert.ErrorIs(t, m.Cancel(job.ID), ErrJobFinished)
}

func TestManager_Cancel(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner, []source.Definition{{Name: "slow"}}, nil)

	job, err := m.Submit("slow")
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, m.Cancel(job.ID))
	got := waitForStatus(t, m, job.ID, StatusCancelled)
	assert.Contains(t, got.Error, "context canceled")
	require.NotNil(t, got.Summary)
	assert.True(t, got.Summary.Cancelled)
}

func TestManager_Failed(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = errors.New("build transport: boom")
	close(runner.release)
	m := NewManager(runner, []source.Definition{{Name: "bad"}}, nil)

	job, err := m.Submit("bad")
	require.NoError(t, err)
	got := waitForStatus(t, m, job.ID, StatusFailed)
	assert.Equal(t, "build transport: boom", got.Error)
}

func TestManager_Errors(t *testing.T) {
	m := NewManager(newBlockingRunner(), nil, nil)

	_, err := m.Submit("nope")
	assert.ErrorIs(t, err, source.ErrSourceNotFound)
	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrJobNotFound)
	assert.Empty(t, m.List())
}

func TestManager_ListAndShutdown(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner, []source.Definition{{Name: "a"}, {Name: "b"}}, nil)

	first, err := m.Submit("a")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := m.Submit("b")
	require.NoError(t, err)
	<-runner.started
	<-runner.started

	jobs := m.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, j := range m.List() {
		assert.Equal(t, StatusCancelled, j.Status)
	}
}
