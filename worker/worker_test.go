package worker

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// testNetwork counts requests and can be switched offline.
type testNetwork struct {
	client   *http.Client
	offline  atomic.Bool
	requests atomic.Int32
}

func (n *testNetwork) Do(r *http.Request) (*http.Response, error) {
	n.requests.Add(1)
	if n.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return n.client.Do(r)
}

type testApp struct {
	origin   *httptest.Server
	cdn      *httptest.Server
	network  *testNetwork
	manager  *cache.Manager
	metrics  *metrics.Metrics
	apiCalls atomic.Int32
	// Accept-Encoding of the last request for /compressed.txt
	acceptEncoding atomic.Value
}

func newTestApp(t *testing.T) *testApp {
	return newTestAppWithStorage(t, cache.NewMemStorage(0))
}

func newTestAppWithStorage(t *testing.T, storage cache.Storage) *testApp {
	app := &testApp{metrics: metrics.New(nil)}
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>shell</html>"))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("console.log('app')"))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body {}"))
	})
	mux.HandleFunc("/missing.png", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "call %d", app.apiCalls.Add(1))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app.js", http.StatusFound)
	})
	mux.HandleFunc("/compressed.txt", func(w http.ResponseWriter, r *http.Request) {
		app.acceptEncoding.Store(r.Header.Get("Accept-Encoding"))
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Write([]byte("plain text"))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("plain text"))
		gz.Close()
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "secret"})
		w.Header().Set("Connection", "X-Internal")
		w.Header().Set("X-Internal", "1")
		w.Write([]byte("welcome"))
	})
	app.origin = httptest.NewServer(mux)
	t.Cleanup(app.origin.Close)
	app.cdn = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cdn"))
	}))
	t.Cleanup(app.cdn.Close)

	origin, err := url.Parse(app.origin.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	app.network = &testNetwork{client: app.origin.Client()}
	app.manager = cache.NewManager(cache.ManagerConfig{
		Storage: storage,
		Keyer:   cachekey.NewCacheKeyer(origin),
		Client:  app.network,
	})
	return app
}

func (app *testApp) worker(version string, manifest ...string) *Worker {
	return New(Config{
		Version:  version,
		Manifest: manifest,
		Manager:  app.manager,
		Client:   app.network,
		Metrics:  app.metrics,
	})
}

func (app *testApp) activeWorker(t *testing.T, version string, manifest ...string) *Worker {
	w := app.worker(version, manifest...)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func entries(t *testing.T, w *Worker) []string {
	urls, err := w.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	paths := make([]string, 0, len(urls))
	for _, u := range urls {
		paths = append(paths, u.Path)
	}
	return paths
}

func navigation(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func TestInstallIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	manifest := []string{"./index.html", "./app.js", "./style.css"}

	first := app.worker("v1", manifest...)
	if err := first.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := app.worker("v1", manifest...)
	if err := second.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := strings.Join(entries(t, second), ",")
	if got != "/app.js,/index.html,/style.css" {
		t.Fatalf("Entries after second install: %s", got)
	}
	if second.State() != StateWaiting {
		t.Fatalf("State is %s", second.State())
	}
}

func TestInstallSkipsFailedAssets(t *testing.T) {
	app := newTestApp(t)
	w := app.worker("v1", "./index.html", "./missing.png", "./app.js")
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed on partial failure: %v", err)
	}
	if got := strings.Join(entries(t, w), ","); got != "/app.js,/index.html" {
		t.Fatalf("Entries: %s", got)
	}
	if n := testutil.ToFloat64(app.metrics.PopulateFailures); n != 1 {
		t.Fatalf("Populate failures counted: %v", n)
	}
}

func TestInstallFailsWhenNothingCached(t *testing.T) {
	app := newTestApp(t)
	app.network.offline.Store(true)
	w := app.worker("v1", "./index.html", "./app.js")

	err := w.Install(context.Background())
	if !errors.Is(err, ErrNothingCached) {
		t.Fatalf("Install error is %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
}

func TestInstallWithEmptyManifest(t *testing.T) {
	app := newTestApp(t)
	w := app.worker("v1")
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.activeWorker(t, "v1", "./index.html")
	for _, name := range []string{"reserv-plus-v1", "unrelated"} {
		if _, err := app.manager.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}

	v2 := app.activeWorker(t, "v2", "./index.html")

	names, err := app.manager.ListGenerations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Generations after activation: %v", names)
	}
	if v2.State() != StateActive {
		t.Fatalf("State is %s", v2.State())
	}
	if n := testutil.ToFloat64(app.metrics.GenerationsDeleted.WithLabelValues("true")); n != 3 {
		t.Fatalf("Deleted generations counted: %v", n)
	}
}

type failingDeleteStorage struct {
	cache.Storage
	fail string
}

func (s failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.fail {
		return false, errors.New("disk on fire")
	}
	return s.Storage.Delete(ctx, name)
}

func TestActivateContinuesPastFailedDeletion(t *testing.T) {
	app := newTestAppWithStorage(t, failingDeleteStorage{Storage: cache.NewMemStorage(0), fail: "stuck"})
	ctx := context.Background()
	for _, name := range []string{"old", "stuck"} {
		if _, err := app.manager.Open(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	w := app.worker("v1", "./index.html")
	if err := w.Install(ctx); err != nil {
		t.Fatal(err)
	}

	err := w.Activate(ctx)
	var derr *DeleteError
	if !errors.As(err, &derr) || len(derr.Failures) != 1 || derr.Failures[0].Name != "stuck" {
		t.Fatalf("Activate error is %v", err)
	}
	if w.State() != StateActive {
		t.Fatalf("State is %s", w.State())
	}
	names, _ := app.manager.ListGenerations(ctx)
	if strings.Join(names, ",") != "stuck,v1" {
		t.Fatalf("Generations: %v", names)
	}
}

func TestFetchIsCacheFirst(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html", "./app.js")
	app.network.requests.Store(0)

	res, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeHit || string(res.Response.Body) != "console.log('app')" {
		t.Fatalf("Got %s with body %s", res.Outcome, res.Response.Body)
	}
	if n := app.network.requests.Load(); n != 0 {
		t.Fatalf("Network used %d times for a cached asset", n)
	}
}

func TestFetchDoesNotReadOtherGenerations(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	w := app.worker("v2", "./index.html")
	if err := w.Install(ctx); err != nil {
		t.Fatal(err)
	}
	other, err := app.manager.Open(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	stale := &cache.Response{Status: http.StatusOK, StatusText: "OK", Type: cache.TypeBasic, Header: http.Header{}, Body: []byte("stale")}
	if err := app.manager.Store(ctx, other, httptest.NewRequest(http.MethodGet, "/api/time", nil), stale); err != nil {
		t.Fatal(err)
	}

	res, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome == OutcomeHit || string(res.Response.Body) == "stale" {
		t.Fatalf("Served %s from another generation", res.Response.Body)
	}
}

func TestFetchCachesSuccessfulResponses(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")
	ctx := context.Background()

	first, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeStored || string(first.Response.Body) != "call 1" {
		t.Fatalf("Got %s with body %s", first.Outcome, first.Response.Body)
	}
	// wait for the background write
	w.Close()

	second, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomeHit || string(second.Response.Body) != "call 1" {
		t.Fatalf("Got %s with body %s", second.Outcome, second.Response.Body)
	}
	if n := app.apiCalls.Load(); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if n := testutil.ToFloat64(app.metrics.StoreWrites.WithLabelValues("true")); n != 1 {
		t.Fatalf("Store writes counted: %v", n)
	}
}

func TestFetchDoesNotCacheUnsuitableResponses(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")
	ctx := context.Background()

	tests := []struct {
		target string
		typ    cache.ResponseType
		status int
	}{
		{"/missing.png", cache.TypeBasic, http.StatusNotFound},
		{"/moved", cache.TypeBasic, http.StatusOK},
		{app.cdn.URL + "/lib.js", cache.TypeOpaque, http.StatusOK},
	}
	for _, test := range tests {
		res, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, test.target, nil))
		if err != nil {
			t.Fatalf("%s: %v", test.target, err)
		}
		if res.Outcome != OutcomeNetwork {
			t.Fatalf("%s: outcome is %s", test.target, res.Outcome)
		}
		if res.Response.Type != test.typ || res.Response.Status != test.status {
			t.Fatalf("%s: got %s %d", test.target, res.Response.Type, res.Response.Status)
		}
	}
	w.Close()

	if got := strings.Join(entries(t, w), ","); got != "/index.html" {
		t.Fatalf("Entries: %s", got)
	}
}

func TestOfflineNavigationServesFallback(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html", "./app.js")
	app.network.offline.Store(true)

	res, err := w.Fetch(context.Background(), navigation("/reservations/42"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFallbackDocument || string(res.Response.Body) != "<html>shell</html>" {
		t.Fatalf("Got %s with body %s", res.Outcome, res.Response.Body)
	}
}

func TestOfflineNavigationWithoutFallback(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./app.js")
	app.network.offline.Store(true)

	res, err := w.Fetch(context.Background(), navigation("/reservations/42"))
	if !errors.Is(err, ErrNavigationFallbackAbsent) {
		t.Fatalf("Error is %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome is %s", res.Outcome)
	}
}

func TestOfflineResourceIsServiceUnavailable(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")
	app.network.offline.Store(true)

	res, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeOffline {
		t.Fatalf("Outcome is %s", res.Outcome)
	}
	r := res.Response.HTTP(nil)
	body, _ := io.ReadAll(r.Body)
	if r.StatusCode != http.StatusServiceUnavailable || r.Status != "503 Service Unavailable" || string(body) != "Offline" {
		t.Fatalf("Got %s with body %s", r.Status, body)
	}
	if ct := r.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type is %s", ct)
	}
}

func TestFetchPassesThroughNonGetRequests(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")
	app.network.requests.Store(0)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/time", strings.NewReader("{}")),
		httptest.NewRequest(http.MethodGet, "ftp://files.example.com/report.csv", nil),
	} {
		res, err := w.Fetch(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomePassThrough || res.Response != nil {
			t.Fatalf("%s %s: outcome is %s", req.Method, req.URL, res.Outcome)
		}
	}
	if n := app.network.requests.Load(); n != 0 {
		t.Fatalf("Network used %d times", n)
	}
}

func TestSupersededWorkerDoesNotRecreateGeneration(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	v1 := app.activeWorker(t, "v1", "./index.html")
	app.activeWorker(t, "v2", "./index.html")
	v1.Supersede()

	res, err := v1.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("Outcome is %s", res.Outcome)
	}
	v1.Close()

	names, _ := app.manager.ListGenerations(ctx)
	if strings.Join(names, ",") != "v2" {
		t.Fatalf("Generations: %v", names)
	}
	if n := testutil.ToFloat64(app.metrics.StoreWrites.WithLabelValues("false")); n != 1 {
		t.Fatalf("Failed store writes counted: %v", n)
	}
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		method string
		header http.Header
		want   bool
	}{
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, true},
		{http.MethodGet, http.Header{"Sec-Fetch-Mode": {"cors"}, "Accept": {"text/html"}}, false},
		{http.MethodGet, http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}}, true},
		{http.MethodGet, http.Header{"Accept": {"application/json"}}, false},
		{http.MethodPost, http.Header{"Accept": {"text/html"}}, false},
		{http.MethodGet, http.Header{}, false},
	}
	for _, test := range tests {
		req := httptest.NewRequest(test.method, "/", nil)
		req.Header = test.header
		if got := IsNavigation(req); got != test.want {
			t.Fatalf("%s %v: got %v", test.method, test.header, got)
		}
	}
}

func TestDispatch(t *testing.T) {
	app := newTestApp(t)
	w := app.worker("v1", "./index.html")
	ctx := context.Background()
	handlers := w.Handlers()

	if _, err := Dispatch(ctx, handlers, Event{Kind: EventInstall}); err != nil {
		t.Fatal(err)
	}
	if _, err := Dispatch(ctx, handlers, Event{Kind: EventActivate}); err != nil {
		t.Fatal(err)
	}
	res, err := Dispatch(ctx, handlers, Event{Kind: EventFetch, Request: httptest.NewRequest(http.MethodGet, "/index.html", nil)})
	if err != nil || res.Outcome != OutcomeHit {
		t.Fatalf("Fetch dispatch: %s %v", res.Outcome, err)
	}
	if _, err := Dispatch(ctx, handlers, Event{Kind: "message"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("Unknown event error is %v", err)
	}
}

func TestFetchPassesThroughBypassedPaths(t *testing.T) {
	app := newTestApp(t)
	w := New(Config{
		Version:  "v1",
		Manifest: []string{"./index.html"},
		Bypass:   []string{"/api/*"},
		Manager:  app.manager,
		Client:   app.network,
	})
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/api/time", nil))
	if err != nil || res.Outcome != OutcomePassThrough {
		t.Fatalf("Got %s, %v", res.Outcome, err)
	}
	res, err = w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if err != nil || res.Outcome != OutcomeHit {
		t.Fatalf("Got %s, %v", res.Outcome, err)
	}
}

func TestStateText(t *testing.T) {
	for s, want := range map[State]string{StateParsed: "parsed", StateActive: "active", StateRedundant: "redundant", State(42): "unknown"} {
		if text, _ := s.MarshalText(); string(text) != want {
			t.Fatalf("%d: got %s", s, text)
		}
	}
}

func TestInstallFailsWhenQuotaIsFull(t *testing.T) {
	ctx := context.Background()
	filler := &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("filler")}
	b, err := cache.EncodeResponse(filler)
	if err != nil {
		t.Fatal(err)
	}
	storage := cache.NewMemStorage(int64(len(b)))
	old, err := storage.Open(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	if err := old.Put(ctx, "filler", filler); err != nil {
		t.Fatal(err)
	}

	app := newTestAppWithStorage(t, storage)
	w := app.worker("v1", "./index.html")
	err = w.Install(ctx)
	if !errors.Is(err, cache.ErrQuotaExceeded) {
		t.Fatalf("Install error is %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	if n := app.network.requests.Load(); n != 0 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestFetchStoresDecodedBodies(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/compressed.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	first, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeStored || string(first.Response.Body) != "plain text" {
		t.Fatalf("Got %s with body %q", first.Outcome, first.Response.Body)
	}
	if ae := app.acceptEncoding.Load(); ae != "identity" {
		t.Fatalf("Origin saw Accept-Encoding %v", ae)
	}
	w.Close()

	second, err := w.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/compressed.txt", nil))
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != OutcomeHit || string(second.Response.Body) != "plain text" {
		t.Fatalf("Got %s with body %q", second.Outcome, second.Response.Body)
	}
	if ce := second.Response.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Content-Encoding is %s", ce)
	}
}

func TestFetchDoesNotStoreCookies(t *testing.T) {
	app := newTestApp(t)
	w := app.activeWorker(t, "v1", "./index.html")

	res, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/session", nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNetwork || string(res.Response.Body) != "welcome" {
		t.Fatalf("Got %s with body %s", res.Outcome, res.Response.Body)
	}
	if res.Response.Header.Get("Set-Cookie") == "" {
		t.Fatalf("Cookie not passed to the client")
	}
	// hop-by-hop headers, including those named by Connection, are dropped
	if h := res.Response.Header; h.Get("Connection") != "" || h.Get("X-Internal") != "" {
		t.Fatalf("Hop-by-hop headers kept: %v", h)
	}
	w.Close()
	if got := strings.Join(entries(t, w), ","); got != "/index.html" {
		t.Fatalf("Entries: %s", got)
	}
}

func TestBackgroundRecoversPanics(t *testing.T) {
	b := newBackground(1, time.Second, zerolog.Nop())
	var ran atomic.Bool
	b.Go("explode", func(ctx context.Context) error {
		panic("boom")
	})
	b.Go("after", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after a panicking task")
	}
	if !ran.Load() {
		t.Fatalf("Task after the panic did not run")
	}
}
