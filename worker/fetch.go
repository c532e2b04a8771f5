package worker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"

	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"
)

// Outcome describes how a fetch event was handled.
type Outcome string

const (
	// Not intercepted, the host's default handling applies.
	OutcomePassThrough Outcome = "pass-through"
	// Served from the cache without network activity.
	OutcomeHit Outcome = "hit"
	// Fetched from the network and scheduled for caching.
	OutcomeStored Outcome = "stored"
	// Fetched from the network, not cacheable.
	OutcomeNetwork Outcome = "network"
	// Network failed, served the cached fallback document.
	OutcomeFallbackDocument Outcome = "fallback-document"
	// Network failed, served the synthesized offline response.
	OutcomeOffline Outcome = "offline"
	// Network failed and no fallback was available.
	OutcomeFailed Outcome = "failed"
)

// Result of a handled event. Response is nil for pass-through.
type Result struct {
	Outcome  Outcome
	Response *cache.Response
}

// Fetch decides how to answer an intercepted request:
// cache first, then network (caching successful same-origin responses),
// then a degraded response.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (Result, error) {
	target := w.keyer.Resolve(r)
	if r.Method != http.MethodGet || (target.Scheme != "http" && target.Scheme != "https") || w.bypassed(target.Path) {
		w.count(OutcomePassThrough)
		return Result{Outcome: OutcomePassThrough}, nil
	}
	log := w.log.With().Str("url", target.String()).Logger()

	gen, err := w.generation()
	if err != nil {
		return Result{}, err
	}

	if res, ok, err := w.manager.Lookup(ctx, gen, r); err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed, treating as miss")
	} else if ok {
		log.Trace().Msg("Cache hit")
		w.count(OutcomeHit)
		return Result{Outcome: OutcomeHit, Response: res}, nil
	}

	start := time.Now()
	res, err := w.fetchNetwork(ctx, r)
	w.metrics.FetchDuration.WithLabelValues(metrics.Success(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Debug().Err(err).Msg("Network fetch failed, falling back")
		return w.degrade(ctx, gen, r, err)
	}

	if !cacheable(res) {
		log.Trace().Int("status", res.Status).Str("type", string(res.Type)).Bool("redirected", res.Redirected).Msg("Not caching response")
		w.count(OutcomeNetwork)
		return Result{Outcome: OutcomeNetwork, Response: res}, nil
	}

	// the copy is persisted while the original goes back to the caller
	stored := res.Clone()
	keyReq := &http.Request{Method: http.MethodGet, URL: target, Header: http.Header{}}
	w.background.Go("store "+target.String(), func(ctx context.Context) error {
		err := w.manager.Store(ctx, gen, keyReq, stored)
		w.metrics.StoreWrites.WithLabelValues(metrics.Success(err)).Inc()
		return err
	})
	w.count(OutcomeStored)
	return Result{Outcome: OutcomeStored, Response: res}, nil
}

func (w *Worker) bypassed(path string) bool {
	for _, pattern := range w.bypass {
		if glob.Glob(pattern, path) {
			return true
		}
	}
	return false
}

// cacheable reports whether a network response may be persisted:
// a 200 from the application origin that was not redirected and sets no
// cookie.
func cacheable(res *cache.Response) bool {
	return res.Status == http.StatusOK && res.Type == cache.TypeBasic && !res.Redirected &&
		len(res.Header.Values("Set-Cookie")) == 0
}

func (w *Worker) fetchNetwork(ctx context.Context, r *http.Request) (*cache.Response, error) {
	target := w.keyer.Resolve(r)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &NetworkError{URL: target.String(), Err: err}
	}
	copyHeader(req.Header, r.Header)
	// cached bodies are served to every client, keep them decoded
	req.Header.Set("Accept-Encoding", "identity")

	httpRes, err := w.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target.String(), Err: err}
	}
	typ, redirected := cache.Classify(w.keyer.Origin, target, httpRes)
	res, err := cache.NewResponse(httpRes, typ)
	if err != nil {
		return nil, &NetworkError{URL: target.String(), Err: errors.Wrap(err, "read body")}
	}
	res.Redirected = redirected
	return res, nil
}

func (w *Worker) degrade(ctx context.Context, gen cache.Generation, r *http.Request, cause error) (Result, error) {
	if !IsNavigation(r) {
		w.count(OutcomeOffline)
		return Result{Outcome: OutcomeOffline, Response: OfflineResponse()}, nil
	}
	doc, ok, err := w.manager.LookupURL(ctx, gen, w.fallback)
	if err != nil {
		w.log.Warn().Err(err).Str("fallback", w.fallback).Msg("Fallback document lookup failed")
	}
	if err != nil || !ok {
		w.count(OutcomeFailed)
		return Result{Outcome: OutcomeFailed}, errors.Wrapf(ErrNavigationFallbackAbsent, "%s (%v)", w.fallback, cause)
	}
	w.count(OutcomeFallbackDocument)
	return Result{Outcome: OutcomeFallbackDocument, Response: doc}, nil
}

func (w *Worker) count(outcome Outcome) {
	w.metrics.Requests.WithLabelValues(string(outcome)).Inc()
}

// OfflineResponse is the degraded answer to a failed non-navigation request.
func OfflineResponse() *cache.Response {
	return &cache.Response{
		Status:     http.StatusServiceUnavailable,
		StatusText: "Service Unavailable",
		Type:       cache.TypeError,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte("Offline"),
	}
}

// IsNavigation reports whether the request loads a top-level document.
// Browsers announce this with Sec-Fetch-Mode; clients without fetch metadata
// are judged by whether they ask for HTML.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Method != http.MethodGet {
		return false
	}
	for _, accept := range r.Header.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.EqualFold(strings.TrimSpace(mediaType), "text/html") {
				return true
			}
		}
	}
	return false
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	cache.StripHopHeaders(dst)
}
