package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/manifest"
	"github.com/any-hub/sw-precache/internal/reconciler"
)

func TestRouterServesScript(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/service-worker.js", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Service-Worker-Allowed"); got != "/" {
		t.Fatalf("expected Service-Worker-Allowed /, got %q", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/javascript") {
		t.Fatalf("unexpected content type %q", got)
	}
	if body := readBody(t, resp); body != "// script" {
		t.Fatalf("unexpected script body %q", body)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterServesPrecachedEntry(t *testing.T) {
	app := newTestApp(t)
	before := app.origin.hits("/a.txt")

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/a.txt?utm_source=mail", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderSource); got != string(reconciler.SourcePrecache) {
		t.Fatalf("expected precache source, got %q", got)
	}
	if body := readBody(t, resp); body != "A" {
		t.Fatalf("unexpected body %q", body)
	}
	if after := app.origin.hits("/a.txt"); after != before {
		t.Fatalf("precached entry should not reach origin, hits %d -> %d", before, after)
	}
}

func TestRouterNavigationFallsBackToIndex(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/app/settings", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp := doRequest(t, app.App, req)
	if got := resp.Header.Get(HeaderSource); got != string(reconciler.SourcePrecache) {
		t.Fatalf("expected precache source, got %q", got)
	}
	if body := readBody(t, resp); body != "<html>" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestRouterProxiesUnhandledRequests(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodPost, "/form?x=1", strings.NewReader("payload")))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderSource); got != "origin" {
		t.Fatalf("expected origin source, got %q", got)
	}
	if body := readBody(t, resp); body != "POST /form?x=1 payload" {
		t.Fatalf("unexpected echo %q", body)
	}
}

func TestRouterUnlistedGetGoesThroughProxy(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/missing.png", nil))
	if got := resp.Header.Get(HeaderSource); got != "origin" {
		t.Fatalf("expected origin source, got %q", got)
	}
}

func TestDiagnosticsManifest(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/-/manifest", nil))
	var payload struct {
		State   string     `json:"state"`
		Entries [][]string `json:"entries"`
		Caches  []struct {
			URL       string `json:"url"`
			CacheName string `json:"cache_name"`
		} `json:"caches"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &payload); err != nil {
		t.Fatalf("decode manifest payload: %v", err)
	}
	if payload.State != reconciler.StateActive.String() {
		t.Fatalf("expected active state, got %s", payload.State)
	}
	if len(payload.Entries) != 3 || len(payload.Caches) != 3 {
		t.Fatalf("expected 3 entries and caches, got %d/%d", len(payload.Entries), len(payload.Caches))
	}
	if payload.Caches[0].URL != app.origin.url+"/a.txt" {
		t.Fatalf("bindings should be sorted by url, got %s", payload.Caches[0].URL)
	}
}

func TestDiagnosticsDeleteAllCaches(t *testing.T) {
	app := newTestApp(t)

	names := listCaches(t, app)
	if len(names) != 3 {
		t.Fatalf("expected 3 caches after install, got %v", names)
	}

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodDelete, "/-/caches", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if names := listCaches(t, app); len(names) != 0 {
		t.Fatalf("expected no caches, got %v", names)
	}

	resp = doRequest(t, app.App, httptest.NewRequest(http.MethodPost, "/-/install", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected reinstall to succeed, got %d", resp.StatusCode)
	}
	if names := listCaches(t, app); len(names) != 3 {
		t.Fatalf("expected caches restored, got %v", names)
	}
}

func TestDiagnosticsMetrics(t *testing.T) {
	app := newTestApp(t)

	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	body := readBody(t, resp)
	if !strings.Contains(body, "sw_precache_install_fetches_total 3") {
		t.Fatalf("expected install fetch counter in metrics output:\n%s", body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

type testApp struct {
	*fiber.App
	origin *fakeOrigin
}

type fakeOrigin struct {
	url     string
	mu      sync.Mutex
	counter map[string]int
}

func (o *fakeOrigin) hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counter[path]
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	origin := &fakeOrigin{counter: map[string]int{}}
	files := map[string]string{"/a.txt": "A", "/b.txt": "B", "/index.html": "<html>"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.mu.Lock()
		origin.counter[r.URL.Path]++
		origin.mu.Unlock()

		if body, ok := files[r.URL.Path]; ok && r.Method == http.MethodGet {
			_, _ = io.WriteString(w, body)
			return
		}
		payload, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+" "+r.URL.RequestURI()+" "+string(payload))
	}))
	t.Cleanup(srv.Close)
	origin.url = srv.URL
	return origin
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	origin := newFakeOrigin(t)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Defaults()
	cfg.CacheID = "preview"
	cfg.NavigateFallback = "index.html"

	m := manifest.Manifest{
		{RelativeURL: "a.txt", Hash: manifest.HashBytes([]byte("A"))},
		{RelativeURL: "b.txt", Hash: manifest.HashBytes([]byte("B"))},
		{RelativeURL: "index.html", Hash: manifest.HashBytes([]byte("<html>"))},
	}

	registry := prometheus.NewRegistry()
	metrics, err := reconciler.NewMetrics(registry)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	fetcher, err := reconciler.NewHTTPFetcher(NewUpstreamClient(0))
	if err != nil {
		t.Fatalf("fetcher: %v", err)
	}
	storage := cache.NewMemoryStorage()
	r, err := reconciler.New(storage, fetcher, logger, reconciler.Options{
		Config:      cfg,
		Manifest:    m,
		ScriptURL:   origin.url + "/service-worker.js",
		SkipWaiting: true,
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	t.Cleanup(r.Wait)
	if err := r.OnInstall(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	proxy, err := NewOriginProxy(NewUpstreamClient(0), origin.url, logger)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Reconciler: r,
		Storage:    storage,
		Proxy:      proxy,
		Origin:     origin.url,
		ScriptPath: "/service-worker.js",
		Script:     []byte("// script"),
		Manifest:   m,
		Gatherer:   registry,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, origin: origin}
}

func listCaches(t *testing.T, app *testApp) []string {
	t.Helper()
	resp := doRequest(t, app.App, httptest.NewRequest(http.MethodGet, "/-/caches", nil))
	var payload struct {
		Caches []string `json:"caches"`
	}
	if err := json.Unmarshal([]byte(readBody(t, resp)), &payload); err != nil {
		t.Fatalf("decode caches: %v", err)
	}
	return payload.Caches
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
