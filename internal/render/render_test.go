package render

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/failure"
	"github.com/any-hub/sw-precache/internal/manifest"
)

var sample = manifest.Manifest{
	{RelativeURL: "a.txt", Hash: "7fc56270e7a70fa81a5935b72eacbe29"},
	{RelativeURL: "b.txt", Hash: "9d5ed678fe57bcca610140957afab571"},
}

func TestScriptIsDeterministic(t *testing.T) {
	data := DataFrom(config.Defaults())
	first, err := Script(nil, sample, data)
	require.NoError(t, err)
	second, err := Script(nil, sample, data)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScriptEmbedsManifestAndOptions(t *testing.T) {
	opts := config.Defaults()
	opts.CacheID = "my-app"
	opts.NavigateFallback = "/shell.html"
	opts.NavigateFallbackWhitelist = []config.Pattern{config.MustPattern("^/app/")}
	opts.ImportScripts = []string{"analytics.js", "push.js"}

	out, err := Script(nil, sample, DataFrom(opts))
	require.NoError(t, err)
	script := string(out)

	assert.Contains(t, script, `var PrecacheConfig = [["a.txt","7fc56270e7a70fa81a5935b72eacbe29"],["b.txt","9d5ed678fe57bcca610140957afab571"]];`)
	assert.Contains(t, script, `'sw-precache-' + "v1" + '-' + "my-app" + '-'`)
	assert.Contains(t, script, `var IgnoreUrlParametersMatching = [/^utm_/];`)
	assert.Contains(t, script, `var NavigateFallbackWhitelist = [/^\/app\//];`)
	assert.Contains(t, script, `importScripts("analytics.js","push.js");`)
	assert.Contains(t, script, `var DirectoryIndex = "index.html";`)
	assert.Contains(t, script, "self.addEventListener('fetch'")
	assert.NotContains(t, script, "RuntimeRoutes", "未配置 runtimeCaching 时不输出路由表")
}

func TestScriptWithoutFetchHandler(t *testing.T) {
	opts := config.Defaults()
	opts.HandleFetch = false
	out, err := Script(nil, sample, DataFrom(opts))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "self.addEventListener('fetch'")
	assert.Contains(t, string(out), "self.addEventListener('install'")
}

func TestScriptRuntimeRoutingTable(t *testing.T) {
	opts := config.Defaults()
	opts.RuntimeCaching = []config.RuntimeRule{
		{URLPattern: "/images/(.*)", Handler: "cacheFirst", Options: config.RuleOptions{Cache: config.CacheOptions{Name: "images", MaxEntries: 5}}},
		{Default: "networkFirst"},
	}
	out, err := Script(nil, nil, DataFrom(opts))
	require.NoError(t, err)
	script := string(out)

	assert.Contains(t, script, `var PrecacheConfig = [];`)
	assert.Contains(t, script, `var RuntimeRoutes = [{"pattern":"^/images/.*$","pathOnly":true,"method":"get","handler":"cacheFirst","cacheName":"images","maxEntries":5}];`)
	assert.Contains(t, script, `var DefaultHandler = "networkFirst";`)
}

func TestScriptNonGetRequestsReachRuntimeRoutes(t *testing.T) {
	opts := config.Defaults()
	opts.RuntimeCaching = []config.RuntimeRule{{URLPattern: "/api/(.*)", Handler: "networkOnly", Method: "post"}}

	out, err := Script(nil, sample, DataFrom(opts))
	require.NoError(t, err)
	script := string(out)

	assert.Contains(t, script, `"method":"post","handler":"networkOnly"`)
	listener := script[strings.Index(script, "self.addEventListener('fetch'"):]
	listener = listener[:strings.Index(listener, "\n});\n")]
	assert.NotContains(t, listener, "method !== 'GET'", "非 GET 请求不能在查路由表之前被丢弃")

	precache := strings.Index(listener, "if (event.request.method === 'GET') {")
	lookup := strings.Index(listener, "var route = findRoute(event.request);")
	require.GreaterOrEqual(t, precache, 0)
	require.Greater(t, lookup, precache)
	// findRoute 位于 GET 分支之外：分支内的花括号在 findRoute 之前已全部闭合。
	between := listener[precache:lookup]
	assert.Equal(t, strings.Count(between, "{"), strings.Count(between, "}"))
}

func TestScriptKeepsHTMLCharactersInManifest(t *testing.T) {
	out, err := Script(nil, manifest.Manifest{{RelativeURL: "a&b<c>.html", Hash: "h"}}, DataFrom(config.Defaults()))
	require.NoError(t, err)
	assert.Contains(t, string(out), `var PrecacheConfig = [["a&b<c>.html","h"]];`)
}

func TestRoutingTable(t *testing.T) {
	routes, fallback := RoutingTable([]config.RuntimeRule{
		{URLPattern: `/^https:\/\/api\./`, Handler: "networkFirst", Method: "ANY", Options: config.RuleOptions{Origin: "/example\\.com$/"}},
		{Default: "fastest"},
	})
	require.Len(t, routes, 1)
	assert.Equal(t, "fastest", fallback)
	assert.False(t, routes[0].PathOnly)
	assert.Equal(t, "any", routes[0].Method)
	assert.Equal(t, `example\.com$`, routes[0].Origin)
}

func TestScriptCustomTemplate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "tmpl/sw.tmpl", []byte("// {{.CacheID}}\nvar c = {{.PrecacheConfig}};\n"), 0o644))

	opts := config.Defaults()
	opts.CacheID = "x"
	opts.TemplateFilePath = "tmpl/sw.tmpl"
	out, err := Script(fsys, sample[:1], DataFrom(opts))
	require.NoError(t, err)
	assert.Equal(t, "// \"x\"\nvar c = [[\"a.txt\",\"7fc56270e7a70fa81a5935b72eacbe29\"]];\n", string(out))
}

func TestScriptMissingTemplateIsIOError(t *testing.T) {
	opts := config.Defaults()
	opts.TemplateFilePath = "nope.tmpl"
	_, err := Script(afero.NewMemMapFs(), sample, DataFrom(opts))
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeIO))
}

func TestEscapeSlashes(t *testing.T) {
	assert.Equal(t, `^\/a\/b`, escapeSlashes("^/a/b"))
	assert.Equal(t, `^\/a\/b`, escapeSlashes(`^\/a/b`))
	assert.Equal(t, "[/./, /^t/]", regexpList([]string{".", "^t"}))
}
