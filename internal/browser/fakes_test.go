package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maltedev/stealth-crawler/internal/fingerprint"
)

type navResult struct {
	status int
	err    error
}

// fakeEngine records launches and hands out scripted navigation results.
type fakeEngine struct {
	mu        sync.Mutex
	launches  []LaunchOptions
	instances []*fakeInstance
	results   []navResult
	content   string
	visible   map[string]bool
	launchErr error
	closed    bool

	selectorErr error
	clicked     []string
	waited      []string
	scrolls     int
	pages       []*fakePage
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{content: "<html>ok</html>", visible: map[string]bool{}}
}

func (e *fakeEngine) script(results ...navResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, results...)
}

func (e *fakeEngine) next() navResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		return navResult{status: 200}
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r
}

func (e *fakeEngine) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	e.launches = append(e.launches, opts)
	inst := &fakeInstance{engine: e}
	e.instances = append(e.instances, inst)
	return inst, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) launchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.launches)
}

func (e *fakeEngine) instance(i int) *fakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[i]
}

type fakeInstance struct {
	engine *fakeEngine

	mu     sync.Mutex
	pages  int
	closes int
}

func (i *fakeInstance) NewPage(ctx context.Context, profile fingerprint.Profile) (Page, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closes > 0 {
		return nil, errors.New("browser closed")
	}
	i.pages++
	p := &fakePage{engine: i.engine, profile: profile}
	i.engine.mu.Lock()
	i.engine.pages = append(i.engine.pages, p)
	i.engine.mu.Unlock()
	return p, nil
}

func (i *fakeInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closes++
	return nil
}

func (i *fakeInstance) closeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closes
}

type fakePage struct {
	engine  *fakeEngine
	profile fingerprint.Profile

	mu     sync.Mutex
	closed bool
}

func (p *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) (int, error) {
	r := p.engine.next()
	return r.status, r.err
}

func (p *fakePage) WaitForSelector(selector string, timeout time.Duration) error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.engine.waited = append(p.engine.waited, selector)
	return p.engine.selectorErr
}

func (p *fakePage) IsVisible(selector string) (bool, error) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.engine.visible[selector], nil
}

func (p *fakePage) Click(selector string, timeout time.Duration) error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.engine.clicked = append(p.engine.clicked, selector)
	return nil
}

func (p *fakePage) ScrollBy(dy int) error {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	p.engine.scrolls++
	return nil
}

func (p *fakePage) Content() (string, error) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.engine.content, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeProxies counts reports per proxy.
type fakeProxies struct {
	mu        sync.Mutex
	proxy     string
	successes map[string]int
	failures  map[string]int
}

func newFakeProxies(proxyURL string) *fakeProxies {
	return &fakeProxies{proxy: proxyURL, successes: map[string]int{}, failures: map[string]int{}}
}

func (f *fakeProxies) Select() (string, bool) {
	return f.proxy, f.proxy != ""
}

func (f *fakeProxies) ReportSuccess(proxyURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes[proxyURL]++
}

func (f *fakeProxies) ReportFailure(proxyURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[proxyURL]++
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}
