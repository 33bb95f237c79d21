package reconciler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/sw-precache/internal/cache"
	"github.com/any-hub/sw-precache/internal/failure"
)

func get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url}
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	mock := newMockTransport()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	opts := testOptions()
	opts.Metrics = metrics
	r := newTestReconciler(t, storage, mock, opts)

	require.NoError(t, r.OnInstall(ctx))
	assert.Equal(t, StateActive, r.State())
	assert.Equal(t, 3, mock.GetTotalCallCount())
	first, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	require.NoError(t, r.OnInstall(ctx))
	assert.Equal(t, 3, mock.GetTotalCallCount(), "second install must not fetch")
	second, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.InstallFetches))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.CacheDeletions))
}

func TestInstallStoresCleanURLFromCacheBustedFetch(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	var (
		mu        sync.Mutex
		requested []string
	)
	fetcher := FetcherFunc(func(ctx context.Context, req *Request) (*cache.Response, error) {
		mu.Lock()
		requested = append(requested, req.URL)
		mu.Unlock()
		return &cache.Response{Status: http.StatusOK, Body: []byte(req.URL)}, nil
	})
	opts := testOptions()
	opts.Manifest = opts.Manifest[:1]
	r, err := New(storage, fetcher, quietLogger(), opts)
	require.NoError(t, err)

	require.NoError(t, r.OnInstall(ctx))
	require.Equal(t, []string{"http://example.com/a.txt?sw-precache=1000"}, requested)

	name := r.Mappings().AbsoluteURLToCacheName["http://example.com/a.txt"]
	c, err := storage.Open(ctx, name)
	require.NoError(t, err)
	resp, err := c.Match(ctx, "http://example.com/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a.txt?sw-precache=1000", string(resp.Body))
}

func TestInstallDeletesOnlyStalePrefixedCaches(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	r := newTestReconciler(t, storage, newMockTransport(), testOptions())

	stale := r.CacheNamePrefix() + "http://example.com/old.txt-deadbeef"
	for _, name := range []string{stale, "third-party", RuntimeCacheName("demo", "", "images")} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, r.OnInstall(ctx))

	ok, _ := storage.Has(ctx, stale)
	assert.False(t, ok, "stale precache namespace should be removed")
	ok, _ = storage.Has(ctx, "third-party")
	assert.True(t, ok)
	ok, _ = storage.Has(ctx, RuntimeCacheName("demo", "", "images"))
	assert.True(t, ok)
}

func TestInstallFailureResumes(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	mock := newMockTransport()
	var bCalls int32
	mock.RegisterResponder(http.MethodGet, "http://example.com/b.txt", func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&bCalls, 1)
		return httpmock.NewStringResponse(http.StatusNotFound, "missing"), nil
	})
	r := newTestReconciler(t, storage, mock, testOptions())

	err := r.OnInstall(ctx)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeInstallFetch))
	assert.Equal(t, StateRegistered, r.State())

	bName := r.Mappings().AbsoluteURLToCacheName["http://example.com/b.txt"]
	ok, _ := storage.Has(ctx, bName)
	assert.False(t, ok, "failed namespace should not be left half-filled")

	mock.RegisterResponder(http.MethodGet, "http://example.com/b.txt", func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&bCalls, 1)
		return httpmock.NewStringResponse(http.StatusOK, "B"), nil
	})
	require.NoError(t, r.OnInstall(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(&bCalls))

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

func TestActivateRequiresInstall(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.SkipWaiting = false
	r := newTestReconciler(t, cache.NewMemoryStorage(), newMockTransport(), opts)

	assert.ErrorIs(t, r.OnActivate(ctx), ErrNotInstalled)

	require.NoError(t, r.OnInstall(ctx))
	assert.Equal(t, StateInstalled, r.State())

	result, err := r.OnFetch(ctx, get("http://example.com/a.txt"))
	require.NoError(t, err)
	assert.False(t, result.Handled, "installed but waiting workers do not handle fetches")

	require.NoError(t, r.OnActivate(ctx))
	assert.Equal(t, StateActive, r.State())
	result, err = r.OnFetch(ctx, get("http://example.com/a.txt"))
	require.NoError(t, err)
	assert.True(t, result.Handled)
}

func installed(t *testing.T, opts Options) (*Reconciler, cache.Storage, *httpmock.MockTransport) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	mock := newMockTransport()
	r := newTestReconciler(t, storage, mock, opts)
	require.NoError(t, r.OnInstall(context.Background()))
	return r, storage, mock
}

func TestFetchServesPrecachedEntry(t *testing.T) {
	r, _, mock := installed(t, testOptions())
	calls := mock.GetTotalCallCount()

	result, err := r.OnFetch(context.Background(), get("http://example.com/a.txt?utm_source=mail"))
	require.NoError(t, err)
	require.True(t, result.Handled)
	assert.Equal(t, SourcePrecache, result.Source)
	assert.Equal(t, "A", string(result.Response.Body))
	assert.Equal(t, calls, mock.GetTotalCallCount())
}

func TestFetchAppliesDirectoryIndex(t *testing.T) {
	r, _, _ := installed(t, testOptions())

	result, err := r.OnFetch(context.Background(), get("http://example.com/"))
	require.NoError(t, err)
	require.True(t, result.Handled)
	assert.Equal(t, "<html>", string(result.Response.Body))
}

func TestFetchNavigateFallback(t *testing.T) {
	opts := testOptions()
	opts.Config.NavigateFallback = "index.html"
	opts.Config.NavigateFallbackWhitelist = patterns("^/app")
	r, _, _ := installed(t, opts)
	ctx := context.Background()

	nav := &Request{Method: http.MethodGet, URL: "http://example.com/app/settings", Navigate: true}
	result, err := r.OnFetch(ctx, nav)
	require.NoError(t, err)
	require.True(t, result.Handled)
	assert.Equal(t, "<html>", string(result.Response.Body))

	other := &Request{Method: http.MethodGet, URL: "http://example.com/blog", Navigate: true}
	result, err = r.OnFetch(ctx, other)
	require.NoError(t, err)
	assert.False(t, result.Handled)

	plain := get("http://example.com/app/settings")
	result, err = r.OnFetch(ctx, plain)
	require.NoError(t, err)
	assert.False(t, result.Handled, "fallback only applies to navigations")
}

func TestFetchFallsBackToNetworkOnMiss(t *testing.T) {
	r, storage, mock := installed(t, testOptions())
	ctx := context.Background()
	name := r.Mappings().AbsoluteURLToCacheName["http://example.com/a.txt"]
	_, err := storage.Delete(ctx, name)
	require.NoError(t, err)
	calls := mock.GetTotalCallCount()

	result, err := r.OnFetch(ctx, get("http://example.com/a.txt"))
	require.NoError(t, err)
	require.True(t, result.Handled)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, "A", string(result.Response.Body))
	assert.Equal(t, calls+1, mock.GetTotalCallCount())
}

func TestFetchFallsBackToNetworkOnCacheError(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{Storage: cache.NewMemoryStorage()}
	r := newTestReconciler(t, storage, newMockTransport(), testOptions())
	require.NoError(t, r.OnInstall(ctx))

	storage.failKeys = true
	result, err := r.OnFetch(ctx, get("http://example.com/b.txt"))
	require.NoError(t, err)
	require.True(t, result.Handled)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, "B", string(result.Response.Body))
}

func TestFetchIgnoresUnlistedAndNonGet(t *testing.T) {
	r, _, _ := installed(t, testOptions())
	ctx := context.Background()

	result, err := r.OnFetch(ctx, get("http://example.com/unknown.js"))
	require.NoError(t, err)
	assert.False(t, result.Handled)

	result, err = r.OnFetch(ctx, &Request{Method: http.MethodPost, URL: "http://example.com/a.txt"})
	require.NoError(t, err)
	assert.False(t, result.Handled)
}

func TestFetchDisabledByHandleFetch(t *testing.T) {
	opts := testOptions()
	opts.Config.HandleFetch = false
	r, _, _ := installed(t, opts)

	result, err := r.OnFetch(context.Background(), get("http://example.com/a.txt"))
	require.NoError(t, err)
	assert.False(t, result.Handled)
}

func TestDeleteAllMessage(t *testing.T) {
	r, storage, _ := installed(t, testOptions())
	ctx := context.Background()
	_, err := storage.Open(ctx, "third-party")
	require.NoError(t, err)

	reply := make(chan Reply, 1)
	r.OnMessage(ctx, Message{Command: CommandDeleteAll}, reply)
	got := <-reply
	assert.NoError(t, got.Error)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDeleteAllReportsFailureOnReply(t *testing.T) {
	ctx := context.Background()
	storage := &flakyStorage{Storage: cache.NewMemoryStorage()}
	r := newTestReconciler(t, storage, newMockTransport(), testOptions())
	require.NoError(t, r.OnInstall(ctx))

	storage.failDelete = true
	reply := make(chan Reply, 1)
	r.OnMessage(ctx, Message{Command: CommandDeleteAll}, reply)
	got := <-reply
	require.Error(t, got.Error)
	assert.True(t, failure.Is(got.Error, failure.CodeDeleteAll))
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	r, storage, _ := installed(t, testOptions())
	reply := make(chan Reply, 1)
	r.OnMessage(context.Background(), Message{Command: "noop"}, reply)
	assert.Empty(t, reply)

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

func TestNewRejectsRelativeScriptURL(t *testing.T) {
	opts := testOptions()
	opts.ScriptURL = "/service-worker.js"
	_, err := New(cache.NewMemoryStorage(), FetcherFunc(nil), quietLogger(), opts)
	assert.Error(t, err)
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.InstallFetches.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(second.InstallFetches))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "active", StateActive.String())
}
