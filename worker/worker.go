package worker

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultFallback = "./index.html"

type Config struct {
	// Version names the cache generation owned by the worker.
	// Bumping it on every deploy is what retires the previous generation.
	Version string
	// Manifest lists the assets cached at install, relative to the origin.
	Manifest []string
	// Fallback is the document served for navigations while offline.
	Fallback string
	// Bypass lists glob patterns of URL paths that are never intercepted,
	// e.g. "/api/auth/*".
	Bypass []string
	// Manager gives access to the cache store.
	Manager *cache.Manager
	// Client used for network fetches. http.DefaultClient if nil.
	Client cache.Fetcher
	// SkipWaiting makes the worker eligible for activation right after
	// install, without waiting for clients of the previous worker to leave.
	SkipWaiting bool
	// Claim makes the worker take over all connected clients on activation.
	Claim bool
	// Maximum number of concurrent background cache writes.
	BackgroundWorkers int
	// Timeout for one background cache write.
	BackgroundTimeout time.Duration
	Metrics           *metrics.Metrics
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker is one version of the offline cache. It owns the cache generation
// named by its version and handles the install, activate and fetch events
// dispatched to it by its host.
type Worker struct {
	version     string
	manifest    []string
	fallback    string
	bypass      []string
	skipWaiting bool
	claim       bool

	manager    *cache.Manager
	keyer      cachekey.CacheKeyer
	client     cache.Fetcher
	background *background
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu    sync.RWMutex
	state State
	gen   cache.Generation
}

// New creates a worker in the parsed state.
func New(config Config) *Worker {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("version", config.Version).Logger()

	w := &Worker{
		version:     config.Version,
		manifest:    config.Manifest,
		fallback:    config.Fallback,
		bypass:      config.Bypass,
		skipWaiting: config.SkipWaiting,
		claim:       config.Claim,
		manager:     config.Manager,
		keyer:       config.Manager.Keyer(),
		client:      config.Client,
		background:  newBackground(config.BackgroundWorkers, config.BackgroundTimeout, logger),
		metrics:     config.Metrics,
		log:         logger,
	}
	if w.fallback == "" {
		w.fallback = DefaultFallback
	}
	if w.client == nil {
		w.client = http.DefaultClient
	}
	if w.metrics == nil {
		w.metrics = metrics.New(nil)
	}
	return w
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) SkipWaiting() bool {
	return w.skipWaiting
}

func (w *Worker) Claim() bool {
	return w.claim
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	w.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("Worker state changed")
}

func (w *Worker) generation() (cache.Generation, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.gen == nil {
		return nil, errors.Errorf("worker %s is not installed", w.version)
	}
	return w.gen, nil
}

// Entries returns the URLs stored in the worker's generation.
func (w *Worker) Entries(ctx context.Context) ([]*url.URL, error) {
	gen, err := w.generation()
	if err != nil {
		return nil, err
	}
	return w.manager.Entries(ctx, gen)
}

// Supersede retires an active worker after a newer one took over.
func (w *Worker) Supersede() {
	w.setState(StateSuperseded)
}

// MarkRedundant discards a worker that will never become active.
func (w *Worker) MarkRedundant() {
	w.setState(StateRedundant)
}

// Close waits for pending background cache writes.
func (w *Worker) Close() {
	w.background.Wait()
}

// EventKind identifies a lifecycle or request event.
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
)

// Event is dispatched to a worker by its host.
type Event struct {
	Kind EventKind
	// Request is the intercepted request of a fetch event.
	Request *http.Request
}

// HandlerFunc handles one event. The host waits for it to return before
// treating the event as done.
type HandlerFunc func(ctx context.Context, ev Event) (Result, error)

// Handlers returns the dispatch table of the worker.
func (w *Worker) Handlers() map[EventKind]HandlerFunc {
	return map[EventKind]HandlerFunc{
		EventInstall: func(ctx context.Context, _ Event) (Result, error) {
			return Result{}, w.Install(ctx)
		},
		EventActivate: func(ctx context.Context, _ Event) (Result, error) {
			return Result{}, w.Activate(ctx)
		},
		EventFetch: func(ctx context.Context, ev Event) (Result, error) {
			return w.Fetch(ctx, ev.Request)
		},
	}
}

// Dispatch invokes the handler registered for the event kind.
func Dispatch(ctx context.Context, handlers map[EventKind]HandlerFunc, ev Event) (Result, error) {
	handler, ok := handlers[ev.Kind]
	if !ok {
		return Result{}, errors.Wrapf(ErrNoHandler, "%s", ev.Kind)
	}
	return handler(ctx, ev)
}
