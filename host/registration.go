package host

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/worker"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ryanuber/go-glob"
)

type Config struct {
	// URL of the app origin.
	// Pass-through requests in origin-form are forwarded here.
	Origin *url.URL
	// Request header carrying the client id.
	// The request source IP is used if empty or not present.
	ClientHeader string
	// Clients not seen for this long are released. Zero disables the janitor.
	IdleTimeout time.Duration
	// Host globs besides the origin host that absolute-form requests may
	// target. Absolute-form requests to any other host are refused.
	Upstreams []string
	// Transport for pass-through requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type client struct {
	controller *worker.Worker
	lastSeen   time.Time
}

// Registration hosts the workers of one app origin. It drives their
// lifecycle, tracks which worker controls which client and routes
// intercepted requests to the controlling worker.
type Registration struct {
	origin       *url.URL
	clientHeader string
	idleTimeout  time.Duration
	upstreams    []string
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy

	// lifecycle serializes install and activation
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *worker.Worker
	waiting    *worker.Worker
	active     *worker.Worker
	retired    []*worker.Worker
	clients    map[string]*client

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// New creates the registration and starts the idle client janitor.
func New(config Config) *Registration {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.Origin.String()).Logger()

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	r := &Registration{
		origin:       config.Origin,
		clientHeader: config.ClientHeader,
		idleTimeout:  config.IdleTimeout,
		upstreams:    config.Upstreams,
		log:          logger,
		clients:      map[string]*client{},
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	r.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Origin),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Pass-through request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	if r.idleTimeout > 0 {
		go r.janitor()
	} else {
		close(r.doneCh)
	}
	return r
}

func createDirector(origin *url.URL) func(req *http.Request) {
	return func(req *http.Request) {
		// absolute-form requests already name their target, which
		// allowedTarget has checked
		if req.URL.Host != "" {
			return
		}
		req.URL.Scheme = origin.Scheme
		req.URL.Host = origin.Host
		req.Host = origin.Host
	}
}

// allowedTarget reports whether the request may be handled. Origin-form
// requests always go to the origin, absolute-form requests only to the
// origin or one of the upstreams.
func (r *Registration) allowedTarget(u *url.URL) bool {
	if u.Host == "" || cache.SameOrigin(u, r.origin) {
		return true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, pattern := range r.upstreams {
		if glob.Glob(strings.ToLower(pattern), host) {
			return true
		}
	}
	return false
}

// Register installs w and activates it when possible.
// If install fails, w becomes redundant and the active worker stays in
// control. A worker that installed but has to wait for clients is not an
// error.
func (r *Registration) Register(ctx context.Context, w *worker.Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	_, err := worker.Dispatch(ctx, w.Handlers(), worker.Event{Kind: worker.EventInstall})

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		w.MarkRedundant()
		return errors.Wrapf(err, "install %s", w.Version())
	}
	replaced := r.waiting
	r.waiting = w
	r.mu.Unlock()

	if replaced != nil {
		r.log.Info().Str("version", replaced.Version()).Msg("Waiting worker replaced by newer install")
		replaced.MarkRedundant()
		replaced.Close()
	}
	return r.activateWaiting(ctx)
}

// activateWaiting promotes the waiting worker if it skips waiting or the
// active worker controls no clients. The caller holds the lifecycle lock.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.RLock()
	next, current := r.waiting, r.active
	controlled := 0
	if current != nil {
		controlled = r.controlledLocked(current)
	}
	r.mu.RUnlock()

	if next == nil {
		return nil
	}
	if controlled > 0 && !next.SkipWaiting() {
		r.log.Info().Str("version", next.Version()).Int("clients", controlled).Msg("Worker waiting for clients of the active worker")
		return nil
	}

	_, err := worker.Dispatch(ctx, next.Handlers(), worker.Event{Kind: worker.EventActivate})
	if err != nil {
		// the worker is active either way
		r.log.Warn().Err(err).Str("version", next.Version()).Msg("Activation completed with errors")
	}

	r.mu.Lock()
	r.waiting = nil
	r.active = next
	claimed := 0
	if next.Claim() {
		for _, c := range r.clients {
			c.controller = next
			claimed++
		}
	}
	if current != nil && current != next {
		r.retired = append(r.retired, current)
	}
	r.mu.Unlock()

	if current != nil && current != next {
		current.Supersede()
		if next.Claim() {
			// nothing new reaches the old worker once its clients are claimed
			current.Close()
		}
	}
	r.log.Info().Str("version", next.Version()).Int("claimed", claimed).Msg("Worker activated")
	return nil
}

func (r *Registration) controlledLocked(w *worker.Worker) int {
	n := 0
	for _, c := range r.clients {
		if c.controller == w {
			n++
		}
	}
	return n
}

// controller returns the worker controlling the client that sent req,
// binding the client to the active worker on its first request and on
// every navigation. It returns nil if there is no active worker yet.
func (r *Registration) controller(req *http.Request) *worker.Worker {
	id := r.clientID(req)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok || worker.IsNavigation(req) {
		if r.active == nil {
			return nil
		}
		if !ok {
			c = &client{}
			r.clients[id] = c
		}
		c.controller = r.active
	}
	c.lastSeen = now
	return c.controller
}

func (r *Registration) clientID(req *http.Request) string {
	if r.clientHeader != "" {
		if id := req.Header.Get(r.clientHeader); id != "" {
			return id
		}
	}
	return getRequestSourceIp(req)
}

// ReleaseClient forgets a client, as if it had been closed.
// It reports whether the client was known. A waiting worker is activated
// if this was the last client of the active worker.
func (r *Registration) ReleaseClient(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.log.Debug().Str("client", id).Msg("Client released")
	return true, r.promote(ctx)
}

func (r *Registration) promote(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.activateWaiting(ctx)
}

func (r *Registration) releaseIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for id, c := range r.clients {
		if now.Sub(c.lastSeen) > r.idleTimeout {
			delete(r.clients, id)
			released++
			r.log.Trace().Str("client", id).Msg("Idle client released")
		}
	}
	return released
}

// janitor runs an infinite loop releasing idle clients
// and promoting a waiting worker once nothing holds it back.
func (r *Registration) janitor() {
	defer close(r.doneCh)
	interval := r.idleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.releaseIdle(now)
			r.mu.RLock()
			waiting := r.waiting != nil
			r.mu.RUnlock()
			if !waiting {
				continue
			}
			if err := r.promote(context.Background()); err != nil {
				r.log.Error().Err(err).Msg("Could not activate waiting worker")
			}
		}
	}
}

// Active returns the active worker, nil if none.
func (r *Registration) Active() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting for activation, nil if none.
func (r *Registration) Waiting() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

type WorkerStatus struct {
	Version string       `json:"version"`
	State   worker.State `json:"state"`
}

type ClientStatus struct {
	ID       string    `json:"id"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"lastSeen"`
}

// Status is a snapshot of the registration.
type Status struct {
	Installing *WorkerStatus  `json:"installing,omitempty"`
	Waiting    *WorkerStatus  `json:"waiting,omitempty"`
	Active     *WorkerStatus  `json:"active,omitempty"`
	Clients    []ClientStatus `json:"clients"`
}

func workerStatus(w *worker.Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{Version: w.Version(), State: w.State()}
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		Installing: workerStatus(r.installing),
		Waiting:    workerStatus(r.waiting),
		Active:     workerStatus(r.active),
		Clients:    make([]ClientStatus, 0, len(r.clients)),
	}
	for id, c := range r.clients {
		s.Clients = append(s.Clients, ClientStatus{ID: id, Version: c.controller.Version(), LastSeen: c.lastSeen})
	}
	sort.Slice(s.Clients, func(i, j int) bool { return s.Clients[i].ID < s.Clients[j].ID })
	return s
}

// Close stops the janitor and waits for the background writes of all workers.
func (r *Registration) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()
		r.mu.RLock()
		workers := append([]*worker.Worker{r.active, r.waiting}, r.retired...)
		r.mu.RUnlock()
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
	})
}
