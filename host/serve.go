package host

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	"github.com/always-cache/offline-cache/worker"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ServeHTTP implements the http.Handler interface.
// Requests of clients without a controlling worker, and requests the
// worker does not intercept, are passed through to the network.
// Absolute-form requests for hosts other than the origin and the
// configured upstreams are refused.
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.allowedTarget(req.URL) {
		r.log.Warn().Str("method", req.Method).Str("url", req.URL.String()).Str("sourceIp", getRequestSourceIp(req)).Msg("Refusing request for foreign host")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	controller := r.controller(req)
	if controller == nil {
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdBypass)
		r.proxy(w, req, cs)
		return
	}

	result, err := r.dispatchFetch(controller, req)
	switch {
	case errors.Is(err, worker.ErrNavigationFallbackAbsent):
		r.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Offline navigation without fallback document")
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("offline")
		w.Header().Add("Cache-Status", cs.String())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		r.logRequest(req, result.Outcome, http.StatusBadGateway, cs)
	case err != nil:
		r.log.Error().Err(err).Str("url", req.URL.String()).Msg("Fetch handler failed, passing through")
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdBypass)
		r.proxy(w, req, cs)
	case result.Outcome == worker.OutcomePassThrough || result.Response == nil:
		cs := CacheStatus{}
		if req.Method != http.MethodGet {
			cs.Forward(CacheStatusFwdMethod)
		} else {
			cs.Forward(CacheStatusFwdBypass)
		}
		r.proxy(w, req, cs)
	default:
		r.sendResponse(w, req, result)
	}
}

// dispatchFetch hands the request to the controller. A panicking handler
// is logged and the request passed through.
func (r *Registration) dispatchFetch(controller *worker.Worker, req *http.Request) (result worker.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithLevel(zerolog.PanicLevel).Interface("error", rec).Str("url", req.URL.String()).Msg("Panic in fetch handler")
			result, err = worker.Result{Outcome: worker.OutcomePassThrough}, nil
		}
	}()
	return worker.Dispatch(req.Context(), controller.Handlers(), worker.Event{Kind: worker.EventFetch, Request: req})
}

func cacheStatusFor(outcome worker.Outcome) CacheStatus {
	cs := CacheStatus{}
	switch outcome {
	case worker.OutcomeHit:
		cs.Hit()
	case worker.OutcomeStored:
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Stored()
	case worker.OutcomeFallbackDocument:
		cs.Hit()
		cs.Detail("offline")
	case worker.OutcomeOffline:
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("offline")
	default:
		cs.Forward(CacheStatusFwdUriMiss)
	}
	return cs
}

func (r *Registration) sendResponse(w http.ResponseWriter, req *http.Request, result worker.Result) {
	res := result.Response
	cs := cacheStatusFor(result.Outcome)
	copyHeader(w.Header(), res.Header)
	cache.StripHopHeaders(w.Header())
	if len(res.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	}
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.Status)
	bytesWritten, err := w.Write(res.Body)
	if err != nil {
		r.log.Error().Err(err).Msg("Could not write response body to client")
	}
	r.logRequest(req, result.Outcome, res.Status, cs)
	r.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (r *Registration) proxy(w http.ResponseWriter, req *http.Request, cs CacheStatus) {
	r.log.Trace().Msgf("proxying %s", req.URL.String())
	w.Header().Add("Cache-Status", cs.String())
	rec := tee.NewResponseRecorder(w)
	r.reverseproxy.ServeHTTP(rec, req)
	r.logRequest(req, worker.OutcomePassThrough, rec.StatusCode(), cs)
	r.log.Trace().Dur("duration", rec.Duration()).Msgf("Proxied body (%d bytes)", rec.BytesWritten())
}

func (r *Registration) logRequest(req *http.Request, outcome worker.Outcome, status int, cs CacheStatus) {
	r.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("sourceIp", getRequestSourceIp(req)).
		Str("outcome", string(outcome)).
		Int("status", status).
		Str("cacheStatus", cs.String()).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
