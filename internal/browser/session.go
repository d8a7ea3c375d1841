package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/stealth-crawler/internal/fetch"
	"github.com/maltedev/stealth-crawler/internal/fingerprint"
	"github.com/maltedev/stealth-crawler/internal/proxy"
)

const DefaultMaxPagesPerSession = 15

type SessionOptions struct {
	Headless           bool
	MaxPagesPerSession int
	// Proxies supplies the process-level proxy for each new browser. Nil
	// means direct.
	Proxies fetch.ProxySelector
	Logger  *slog.Logger
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Headless:           true,
		MaxPagesPerSession: DefaultMaxPagesPerSession,
	}
}

// generation is one browser process and the pages opened on it.
type generation struct {
	id       uint64
	instance Instance
	proxy    string
	pages    int
	leases   int
	retired  bool
	closed   bool
}

// Session owns a lazily launched browser that is replaced after a fixed
// number of pages or on demand. Pages hold a lease on the generation they
// were opened in, so a retired browser stays alive until its last page is
// released.
type Session struct {
	engine Engine
	opts   SessionOptions
	logger *slog.Logger

	mu       sync.Mutex
	current  *generation
	live     map[uint64]*generation
	launched uint64
	closed   bool
}

func NewSession(engine Engine, opts SessionOptions) *Session {
	if opts.MaxPagesPerSession < 1 {
		opts.MaxPagesPerSession = DefaultMaxPagesPerSession
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		engine: engine,
		opts:   opts,
		logger: opts.Logger.With("component", "browser_session"),
		live:   make(map[uint64]*generation),
	}
}

// Lease is a page checked out from a session generation.
type Lease struct {
	Page Page

	session *Session
	gen     *generation
	once    sync.Once
}

// Generation identifies the browser process the page belongs to.
func (l *Lease) Generation() uint64 { return l.gen.id }

// Proxy is the proxy the page's browser was launched with, "" for direct.
func (l *Lease) Proxy() string { return l.gen.proxy }

// Release closes the page and returns the lease. Safe to call twice.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.Page != nil {
			if err := l.Page.Close(); err != nil {
				l.session.logger.Debug("page close failed", "generation", l.gen.id, "error", err)
			}
		}
		l.session.release(l.gen)
	})
}

// Start launches the first browser eagerly. A launch failure here means the
// host cannot run a browser at all and is reported as ErrUnavailable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.current != nil {
		return nil
	}
	gen, err := s.launchLocked(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.current = gen
	return nil
}

// Acquire opens a page with the given fingerprint, launching or rotating the
// browser first when needed.
func (s *Session) Acquire(ctx context.Context, profile fingerprint.Profile) (*Lease, error) {
	gen, retired, err := s.reserve(ctx)
	s.closeGenerations(retired)
	if err != nil {
		return nil, err
	}

	lease := &Lease{session: s, gen: gen}
	page, err := gen.instance.NewPage(ctx, profile)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("open page: %w", err)
	}
	lease.Page = page
	return lease, nil
}

// reserve is the single rotation decision point. It returns the generation
// to open the page on plus any generations that became closable.
func (s *Session) reserve(ctx context.Context) (*generation, []*generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrSessionClosed
	}

	var closable []*generation
	if s.current != nil && s.current.pages >= s.opts.MaxPagesPerSession {
		s.logger.Info("rotating browser session",
			"generation", s.current.id,
			"pages", s.current.pages,
			"reason", "page limit")
		closable = s.retireLocked(s.current, closable)
	}

	if s.current == nil {
		gen, err := s.launchLocked(ctx)
		if err != nil {
			return nil, closable, err
		}
		s.current = gen
	}

	s.current.pages++
	s.current.leases++
	return s.current, closable, nil
}

func (s *Session) launchLocked(ctx context.Context) (*generation, error) {
	proxyURL := ""
	if s.opts.Proxies != nil {
		if u, ok := s.opts.Proxies.Select(); ok {
			proxyURL = u
		}
	}

	width, height := fingerprint.WindowSize()
	instance, err := s.engine.Launch(ctx, LaunchOptions{
		Headless:     s.opts.Headless,
		Proxy:        proxyURL,
		WindowWidth:  width,
		WindowHeight: height,
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	s.launched++
	gen := &generation{id: s.launched, instance: instance, proxy: proxyURL}
	s.live[gen.id] = gen

	s.logger.Info("browser session started",
		"generation", gen.id,
		"proxy", proxy.MaskURL(proxyURL))
	return gen, nil
}

// retireLocked detaches gen from new work and appends it to closable when
// nothing still uses it.
func (s *Session) retireLocked(gen *generation, closable []*generation) []*generation {
	if gen.retired {
		return closable
	}
	gen.retired = true
	if s.current == gen {
		s.current = nil
	}
	if gen.leases == 0 {
		closable = append(closable, s.detachLocked(gen))
	}
	return closable
}

func (s *Session) detachLocked(gen *generation) *generation {
	gen.closed = true
	delete(s.live, gen.id)
	return gen
}

func (s *Session) release(gen *generation) {
	s.mu.Lock()
	gen.leases--
	var closable []*generation
	if gen.retired && gen.leases == 0 && !gen.closed {
		closable = append(closable, s.detachLocked(gen))
	}
	s.mu.Unlock()

	s.closeGenerations(closable)
}

// ForceRotate retires the given generation if it is still current. Later
// calls for the same generation are no-ops, so concurrent pages that all
// observe a block trigger one rotation.
func (s *Session) ForceRotate(genID uint64) {
	s.mu.Lock()
	var closable []*generation
	if s.current != nil && s.current.id == genID {
		s.logger.Warn("rotating browser session",
			"generation", genID,
			"pages", s.current.pages,
			"reason", "blocked")
		closable = s.retireLocked(s.current, closable)
	}
	s.mu.Unlock()

	s.closeGenerations(closable)
}

func (s *Session) closeGenerations(gens []*generation) {
	for _, gen := range gens {
		if err := gen.instance.Close(); err != nil {
			s.logger.Warn("failed to close browser", "generation", gen.id, "error", err)
			continue
		}
		s.logger.Debug("browser closed", "generation", gen.id)
	}
}

// Generation returns the id of the current browser, 0 when none is running.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.id
}

// Close shuts down every browser this session started and the engine.
// Pages still leased are closed with their browser.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.current = nil
	gens := make([]*generation, 0, len(s.live))
	for _, gen := range s.live {
		gen.retired = true
		gens = append(gens, s.detachLocked(gen))
	}
	s.mu.Unlock()

	var errs []error
	for _, gen := range gens {
		if err := gen.instance.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser %d: %w", gen.id, err))
		}
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
