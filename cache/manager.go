package cache

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher performs network requests. *http.Client implements it.
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

type ManagerConfig struct {
	Storage Storage
	Keyer   cachekey.CacheKeyer
	// Client used for populating generations. http.DefaultClient if nil.
	Client Fetcher
	// Number of assets fetched in parallel while populating.
	Concurrency int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Manager owns the cache generations in a Storage.
type Manager struct {
	storage     Storage
	keyer       cachekey.CacheKeyer
	client      Fetcher
	concurrency int
	log         zerolog.Logger
}

func NewManager(config ManagerConfig) *Manager {
	m := &Manager{
		storage:     config.Storage,
		keyer:       config.Keyer,
		client:      config.Client,
		concurrency: config.Concurrency,
		log:         log.Logger,
	}
	if config.Logger != nil {
		m.log = *config.Logger
	}
	if m.client == nil {
		m.client = http.DefaultClient
	}
	if m.concurrency <= 0 {
		m.concurrency = 4
	}
	return m
}

func (m *Manager) Keyer() cachekey.CacheKeyer {
	return m.keyer
}

// Open returns the named generation, creating it if absent.
func (m *Manager) Open(ctx context.Context, name string) (Generation, error) {
	return m.storage.Open(ctx, name)
}

// Populate fetches every URL and stores the response in gen.
// Each URL is attempted independently. It returns the number of stored
// entries and, if any URL failed, a *PopulateError listing the failures.
func (m *Manager) Populate(ctx context.Context, gen Generation, urls []string) (int, error) {
	failures := make([]*PopulateItemFailure, len(urls))
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := m.populateOne(ctx, gen, u); err != nil {
				m.log.Warn().Err(err).Str("url", u).Str("generation", gen.Name()).Msg("Failed to cache asset")
				failures[i] = &PopulateItemFailure{URL: u, Err: err}
			}
		}(i, u)
	}
	wg.Wait()

	perr := &PopulateError{Total: len(urls)}
	for _, f := range failures {
		if f != nil {
			perr.Failures = append(perr.Failures, f)
		}
	}
	stored := len(urls) - len(perr.Failures)
	if len(perr.Failures) > 0 {
		return stored, perr
	}
	return stored, nil
}

func (m *Manager) populateOne(ctx context.Context, gen Generation, ref string) error {
	u, err := m.keyer.ResolveString(ref)
	if err != nil {
		return errors.Wrap(err, "parse url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	httpRes, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	typ, redirected := Classify(m.keyer.Origin, u, httpRes)
	res, err := NewResponse(httpRes, typ)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if res.Status < 200 || res.Status > 299 {
		return errors.Wrapf(ErrNotOK, "status %d", res.Status)
	}
	res.Redirected = redirected
	res.StoredAt = time.Now()
	m.log.Trace().Str("url", u.String()).Str("generation", gen.Name()).Msg("Caching asset")
	return gen.Put(ctx, cachekey.KeyForURL(u), res)
}

// Lookup returns the response stored in gen for the request, if any.
func (m *Manager) Lookup(ctx context.Context, gen Generation, r *http.Request) (*Response, bool, error) {
	key, err := m.keyer.GetKey(r)
	if err != nil {
		return nil, false, nil
	}
	return gen.Match(ctx, key)
}

// LookupURL returns the response stored in gen for a GET of ref,
// which may be relative to the origin.
func (m *Manager) LookupURL(ctx context.Context, gen Generation, ref string) (*Response, bool, error) {
	u, err := m.keyer.ResolveString(ref)
	if err != nil {
		return nil, false, err
	}
	return gen.Match(ctx, cachekey.KeyForURL(u))
}

// Store writes res under the request's key, replacing any previous entry.
func (m *Manager) Store(ctx context.Context, gen Generation, r *http.Request, res *Response) error {
	key, err := m.keyer.GetKey(r)
	if err != nil {
		return err
	}
	if res.StoredAt.IsZero() {
		res.StoredAt = time.Now()
	}
	return gen.Put(ctx, key, res)
}

// ListGenerations returns the names of all generations in storage.
func (m *Manager) ListGenerations(ctx context.Context) ([]string, error) {
	return m.storage.Keys(ctx)
}

// DeleteGeneration removes a generation and all its entries.
// Deleting a missing generation is not an error.
func (m *Manager) DeleteGeneration(ctx context.Context, name string) error {
	existed, err := m.storage.Delete(ctx, name)
	if err != nil {
		return err
	}
	m.log.Debug().Str("generation", name).Bool("existed", existed).Msg("Deleted generation")
	return nil
}

// Entries returns the URLs stored in gen.
func (m *Manager) Entries(ctx context.Context, gen Generation) ([]*url.URL, error) {
	keys, err := gen.Keys(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]*url.URL, 0, len(keys))
	for _, key := range keys {
		req, err := m.keyer.GetRequestFromKey(key)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("Could not get request from key")
			continue
		}
		urls = append(urls, req.URL)
	}
	return urls, nil
}

func (m *Manager) Close() error {
	return m.storage.Close()
}
