package config

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/sw-precache/internal/failure"
)

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.json"), nil)
	require.NoError(t, err)

	assert.Equal(t, "demo-app", cfg.CacheID)
	assert.Equal(t, "app/", cfg.StripPrefix)
	assert.Equal(t, "/static/", cfg.ReplacePrefix)
	assert.Equal(t, ByteSize(4*1024*1024), cfg.MaximumFileSizeToCacheInBytes)
	assert.Equal(t, []string{"^utm_", "^fbclid$"}, PatternSources(cfg.IgnoreURLParametersMatching))
	assert.Equal(t, []string{"^/app/"}, PatternSources(cfg.NavigateFallbackWhitelist))
	assert.Equal(t, "debug", cfg.Log.LogLevel)
	assert.True(t, cfg.HandleFetch, "handleFetch 默认应为 true")
	assert.Equal(t, "index.html", cfg.DirectoryIndex)
}

func TestLoadKeepsDynamicURLCase(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.json"), nil)
	require.NoError(t, err)

	deps, ok := cfg.DynamicURLToDependencies["/dynamic/Page1.HTML"]
	require.True(t, ok, "动态 URL 的大小写与点号必须保留")
	assert.Equal(t, []string{"views/layout.jade", "views/page1.jade"}, deps)
}

func TestLoadRuntimeCaching(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.json"), nil)
	require.NoError(t, err)
	require.Len(t, cfg.RuntimeCaching, 3)

	api := cfg.RuntimeCaching[0]
	assert.True(t, api.IsRegexp())
	assert.Equal(t, "networkFirst", api.Handler)
	assert.Equal(t, "get", api.Method)
	assert.Equal(t, "api", api.Options.Cache.Name)
	assert.Equal(t, 10, api.Options.Cache.MaxEntries)

	images := cfg.RuntimeCaching[1]
	assert.False(t, images.IsRegexp())
	assert.Equal(t, "get", images.Method, "method 应统一为小写")

	assert.Equal(t, "networkOnly", cfg.RuntimeCaching[2].Default)
}

func TestLoadRejectsNonArrayDependencies(t *testing.T) {
	_, err := Load(testConfigPath(t, "bad_dynamic.json"), nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeConfiguration))
	assert.Equal(t, "dynamicUrlToDependencies./dynamic/page1", failure.Context(err)["field"])

	var fieldErr FieldError
	require.True(t, stderrors.As(err, &fieldErr))
	assert.Equal(t, "dynamicUrlToDependencies./dynamic/page1", fieldErr.Field)
}

func TestDecodeDynamicDependencies(t *testing.T) {
	testCases := []struct {
		name      string
		raw       interface{}
		shouldErr bool
	}{
		{"nil", nil, false},
		{"valid", map[string]interface{}{"/a": []interface{}{"a.html"}}, false},
		{"not a map", []interface{}{"a"}, true},
		{"empty list", map[string]interface{}{"/a": []interface{}{}}, true},
		{"number", map[string]interface{}{"/a": []interface{}{1}}, true},
		{"blank", map[string]interface{}{"/a": []interface{}{"  "}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeDynamicDependencies(tc.raw)
			if tc.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRuntimeRules(t *testing.T) {
	testCases := []struct {
		name      string
		rule      RuntimeRule
		shouldErr bool
	}{
		{"default only", RuntimeRule{Default: "fastest"}, false},
		{"unknown default", RuntimeRule{Default: "slowest"}, true},
		{"missing pattern", RuntimeRule{Handler: "cacheFirst"}, true},
		{"unknown handler", RuntimeRule{URLPattern: "/a/(.*)", Handler: "magic"}, true},
		{"bad method", RuntimeRule{URLPattern: "/a", Handler: "cacheOnly", Method: "patch"}, true},
		{"any method", RuntimeRule{URLPattern: "/a", Handler: "cacheOnly", Method: "ANY"}, false},
		{"bad regexp", RuntimeRule{URLPattern: "/(/", Handler: "cacheFirst"}, true},
		{"negative max entries", RuntimeRule{URLPattern: "/a", Handler: "cacheFirst", Options: RuleOptions{Cache: CacheOptions{MaxEntries: -1}}}, true},
		{"bad origin", RuntimeRule{URLPattern: "/a", Handler: "cacheFirst", Options: RuleOptions{Origin: "/[/"}}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Defaults()
			opts.RuntimeCaching = []RuntimeRule{tc.rule}
			err := opts.Validate()
			if tc.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRejectsNonPositiveSize(t *testing.T) {
	opts := Defaults()
	opts.MaximumFileSizeToCacheInBytes = 0
	err := opts.Validate()
	require.Error(t, err)
	assert.Equal(t, "maximumFileSizeToCacheInBytes", failure.Context(err)["field"])
}

func TestValidateDirectoryIndex(t *testing.T) {
	opts := Defaults()
	opts.DirectoryIndex = "sub/index.html"
	assert.Error(t, opts.Validate())
}

func TestByteSizeParsing(t *testing.T) {
	var size ByteSize
	require.NoError(t, size.UnmarshalText([]byte("500 kB")))
	assert.Equal(t, ByteSize(500*1000), size)
	assert.Error(t, size.UnmarshalText([]byte("lots")))
}

func TestRuntimeRuleMatcherSource(t *testing.T) {
	testCases := []struct {
		pattern  string
		expr     string
		pathOnly bool
	}{
		{"/images/(.*)", `^/images/.*$`, true},
		{"/api/:version/users", `^/api/[^/]+/users$`, true},
		{"/static/*.js", `^/static/.*\.js$`, true},
		{"https://cdn.example.com:8443/(.*)", `^https://cdn\.example\.com:8443/.*$`, false},
		{`/\.png$/`, `\.png$`, false},
	}
	for _, tc := range testCases {
		expr, pathOnly := RuntimeRule{URLPattern: tc.pattern}.MatcherSource()
		assert.Equal(t, tc.expr, expr, tc.pattern)
		assert.Equal(t, tc.pathOnly, pathOnly, tc.pattern)
	}
}
