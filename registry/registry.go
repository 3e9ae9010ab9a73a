// Package registry owns the lifecycle of execution backends.
//
// The Registry maps a language identifier to a lazily created, cached
// sandbox.Backend. Each language moves through an explicit state machine:
//
//	uninitialized -> initializing(waiters) -> ready(handle)
//	                                       -> failed(err)
//
// Concurrent first requests for a language collapse into one creation; the
// others wait on it. A handle that is invalidated or reports itself
// unhealthy is discarded and recreated on the next request.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/coderun/metrics"
	"github.com/isdmx/coderun/sandbox"
)

var (
	// ErrUnsupportedLanguage is returned for languages with no registered backend.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrClosed is returned once the registry has been shut down.
	ErrClosed = errors.New("registry is closed")
)

// Default timings
const (
	DefaultInitTimeout  = 60 * time.Second
	DefaultRetryBackoff = 5 * time.Second
	closeTimeout        = 10 * time.Second
)

// InitError reports that the runtime for a language could not be brought up.
type InitError struct {
	Language string
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize %s runtime: %v", e.Language, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Opener creates the backend for spec. It is called at most once at a time
// per language.
type Opener func(ctx context.Context, logger *zap.Logger, spec sandbox.LanguageSpec) (sandbox.Backend, error)

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type outcome struct {
	handle sandbox.Backend
	err    error
}

// slot is the per-language state. All fields are guarded by Registry.mu.
type slot struct {
	spec      sandbox.LanguageSpec
	state     state
	handle    sandbox.Backend
	err       error
	failedAt  time.Time
	waiters   []chan outcome
	creations int
}

// Registry resolves languages to cached backends.
type Registry struct {
	logger       *zap.Logger
	opener       Opener
	initTimeout  time.Duration
	retryBackoff time.Duration
	now          func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// Option defines a functional option for Registry
type Option func(*Registry)

// WithOpener sets the function used to create backends
func WithOpener(opener Opener) Option {
	return func(r *Registry) {
		r.opener = opener
	}
}

// WithInitTimeout bounds a single cold start
func WithInitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.initTimeout = d
	}
}

// WithRetryBackoff sets how long a failed initialization is remembered
// before the next request tries again
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Registry) {
		r.retryBackoff = d
	}
}

// WithClock overrides the time source used for retry backoff
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry for the given languages. No backend is created
// until it is first requested.
func New(logger *zap.Logger, specs []sandbox.LanguageSpec, opts ...Option) *Registry {
	r := &Registry{
		logger:       logger,
		opener:       sandbox.Open,
		initTimeout:  DefaultInitTimeout,
		retryBackoff: DefaultRetryBackoff,
		now:          time.Now,
		slots:        make(map[string]*slot, len(specs)),
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, spec := range specs {
		r.slots[spec.Name] = &slot{spec: spec}
	}

	return r
}

// Supported reports whether language has a registered backend.
func (r *Registry) Supported(language string) bool {
	_, ok := r.Spec(language)
	return ok
}

// Spec returns the registered spec for language.
func (r *Registry) Spec(language string) (sandbox.LanguageSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[language]
	if !ok {
		return sandbox.LanguageSpec{}, false
	}
	return s.spec, true
}

// Languages returns every registered spec ordered by name.
func (r *Registry) Languages() []sandbox.LanguageSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := make([]sandbox.LanguageSpec, 0, len(r.slots))
	for _, s := range r.slots {
		specs = append(specs, s.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Loaded reports whether a healthy backend for language is cached.
func (r *Registry) Loaded(language string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[language]
	return ok && s.state == stateReady && s.handle.Healthy()
}

// Creations returns how many times a backend for language has been created.
func (r *Registry) Creations(language string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[language]; ok {
		return s.creations
	}
	return 0
}

// Acquire returns the cached backend for language, creating it first if
// needed. ctx bounds only this caller's wait; a creation in progress keeps
// running for the other waiters.
func (r *Registry) Acquire(ctx context.Context, language string) (sandbox.Backend, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := r.slots[language]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	for {
		switch s.state {
		case stateReady:
			if s.handle.Healthy() {
				handle := s.handle
				r.mu.Unlock()
				return handle, nil
			}
			r.discardLocked(s, "unhealthy")

		case stateFailed:
			if r.now().Sub(s.failedAt) < r.retryBackoff {
				err := s.err
				r.mu.Unlock()
				return nil, err
			}
			s.state, s.err = stateUninitialized, nil

		case stateInitializing:
			wait := make(chan outcome, 1)
			s.waiters = append(s.waiters, wait)
			r.mu.Unlock()
			select {
			case res := <-wait:
				return res.handle, res.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case stateUninitialized:
			s.state = stateInitializing
			s.creations++
			r.mu.Unlock()

			handle, err := r.create(ctx, s.spec)

			r.mu.Lock()
			handle, err = r.settleLocked(s, handle, err)
			r.mu.Unlock()
			return handle, err
		}
	}
}

// create runs the opener outside the lock. The cold start is detached from
// the caller's cancellation because other callers may be waiting on it.
func (r *Registry) create(ctx context.Context, spec sandbox.LanguageSpec) (handle sandbox.Backend, err error) {
	initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.initTimeout)
	defer cancel()

	r.logger.Info("initializing runtime", zap.String("language", spec.Name), zap.String("family", string(spec.Family)))
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			handle, err = nil, fmt.Errorf("panic during initialization: %v", p)
		}
		elapsed := time.Since(started)
		if err != nil {
			metrics.BackendInitializations.WithLabelValues(spec.Name, "failure").Inc()
			r.logger.Error("runtime initialization failed", zap.String("language", spec.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		metrics.BackendInitializations.WithLabelValues(spec.Name, "success").Inc()
		metrics.BackendInitDuration.WithLabelValues(spec.Name).Observe(float64(elapsed.Milliseconds()))
		r.logger.Info("runtime initialized", zap.String("language", spec.Name), zap.Duration("elapsed", elapsed))
	}()

	return r.opener(initCtx, r.logger, spec)
}

// settleLocked records the result of a creation and notifies waiters.
func (r *Registry) settleLocked(s *slot, handle sandbox.Backend, err error) (sandbox.Backend, error) {
	if err == nil && handle == nil {
		err = errors.New("opener returned no backend")
	}
	if err == nil && r.closed {
		go r.closeHandle(s.spec.Name, handle)
		handle, err = nil, ErrClosed
	}

	if err != nil {
		var initErr *InitError
		if !errors.As(err, &initErr) && !errors.Is(err, ErrClosed) {
			err = &InitError{Language: s.spec.Name, Err: err}
		}
		s.state, s.handle, s.err, s.failedAt = stateFailed, nil, err, r.now()
	} else {
		s.state, s.handle, s.err = stateReady, handle, nil
	}

	for _, wait := range s.waiters {
		wait <- outcome{handle: handle, err: err}
	}
	s.waiters = nil
	return handle, err
}

// Invalidate discards handle if it is still the cached backend for
// language, so the next Acquire recreates it. It reports whether anything
// was discarded.
func (r *Registry) Invalidate(language string, handle sandbox.Backend) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[language]
	if !ok || s.state != stateReady || s.handle != handle {
		return false
	}
	r.discardLocked(s, "invalidated")
	return true
}

func (r *Registry) discardLocked(s *slot, reason string) {
	handle := s.handle
	s.state, s.handle = stateUninitialized, nil
	metrics.BackendInvalidations.WithLabelValues(s.spec.Name, reason).Inc()
	r.logger.Warn("discarding runtime", zap.String("language", s.spec.Name), zap.String("reason", reason))
	go r.closeHandle(s.spec.Name, handle)
}

func (r *Registry) closeHandle(language string, handle sandbox.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := handle.Close(ctx); err != nil {
		r.logger.Warn("failed to close runtime", zap.String("language", language), zap.Error(err))
	}
}

// Preload creates the backends for languages concurrently, returning the
// first failure.
func (r *Registry) Preload(ctx context.Context, languages ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, language := range languages {
		g.Go(func() error {
			_, err := r.Acquire(gctx, language)
			return err
		})
	}
	return g.Wait()
}

// Close tears down every cached backend. Later Acquire calls fail with
// ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	handles := make(map[string]sandbox.Backend)
	for name, s := range r.slots {
		if s.state == stateReady {
			handles[name] = s.handle
			s.state, s.handle = stateUninitialized, nil
		}
	}
	r.mu.Unlock()

	var errs []error
	for name, handle := range handles {
		if err := handle.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
