// Package render 把 manifest 与运行时选项填入 service worker 模板，输出完整脚本文本。
package render

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/spf13/afero"

	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/failure"
	"github.com/any-hub/sw-precache/internal/manifest"
)

//go:embed templates/service-worker.tmpl
var defaultTemplate string

// Data 是模板需要的运行时选项。
type Data struct {
	CacheID                     string
	DirectoryIndex              string
	HandleFetch                 bool
	IgnoreURLParametersMatching []string
	ImportScripts               []string
	NavigateFallback            string
	NavigateFallbackWhitelist   []string
	RuntimeCaching              []config.RuntimeRule
	// TemplatePath 非空时从磁盘读取模板替代内置模板。
	TemplatePath string
}

// DataFrom 从生成器配置提取模板数据。
func DataFrom(o config.Options) Data {
	return Data{
		CacheID:                     o.CacheID,
		DirectoryIndex:              o.DirectoryIndex,
		HandleFetch:                 o.HandleFetch,
		IgnoreURLParametersMatching: config.PatternSources(o.IgnoreURLParametersMatching),
		ImportScripts:               o.ImportScripts,
		NavigateFallback:            o.NavigateFallback,
		NavigateFallbackWhitelist:   config.PatternSources(o.NavigateFallbackWhitelist),
		RuntimeCaching:              o.RuntimeCaching,
		TemplatePath:                o.TemplateFilePath,
	}
}

// Route 是写入脚本的路由表条目，脚本在请求时解释执行。
type Route struct {
	Pattern    string `json:"pattern"`
	PathOnly   bool   `json:"pathOnly"`
	Method     string `json:"method"`
	Handler    string `json:"handler"`
	CacheName  string `json:"cacheName,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// RoutingTable 把 runtimeCaching 规则转换为有序路由表与可选的默认策略。
func RoutingTable(rules []config.RuntimeRule) ([]Route, string) {
	routes := make([]Route, 0, len(rules))
	var fallback string
	for _, rule := range rules {
		if rule.Default != "" {
			fallback = rule.Default
			continue
		}
		expr, pathOnly := rule.MatcherSource()
		method := strings.ToLower(rule.Method)
		if method == "" {
			method = "get"
		}
		routes = append(routes, Route{
			Pattern:    expr,
			PathOnly:   pathOnly,
			Method:     method,
			Handler:    rule.Handler,
			CacheName:  rule.Options.Cache.Name,
			MaxEntries: rule.Options.Cache.MaxEntries,
			Origin:     config.TrimSlashes(rule.Options.Origin),
		})
	}
	return routes, fallback
}

type view struct {
	PrecacheConfig              string
	CacheID                     string
	Version                     string
	DirectoryIndex              string
	HandleFetch                 bool
	IgnoreURLParametersMatching string
	ImportScripts               string
	NavigateFallback            string
	NavigateFallbackWhitelist   string
	RuntimeCaching              string
	DefaultHandler              string
	HasRuntimeCaching           bool
}

// Script 渲染脚本；相同输入产生逐字节相同的输出。
func Script(fsys afero.Fs, m manifest.Manifest, d Data) ([]byte, error) {
	source := defaultTemplate
	if d.TemplatePath != "" {
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		raw, err := afero.ReadFile(fsys, d.TemplatePath)
		if err != nil {
			return nil, failure.IO("read template", d.TemplatePath, err)
		}
		source = string(raw)
	}

	tmpl, err := template.New("service-worker").Parse(source)
	if err != nil {
		return nil, failure.Configuration("templateFilePath", err)
	}

	v, err := buildView(m, d)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return nil, failure.IO("render template", d.TemplatePath, err)
	}
	return buf.Bytes(), nil
}

func buildView(m manifest.Manifest, d Data) (view, error) {
	if m == nil {
		m = manifest.Manifest{}
	}
	precache, err := marshalJS(m)
	if err != nil {
		return view{}, err
	}

	routes, fallback := RoutingTable(d.RuntimeCaching)
	table, err := marshalJS(routes)
	if err != nil {
		return view{}, err
	}

	imports := make([]string, 0, len(d.ImportScripts))
	for _, script := range d.ImportScripts {
		imports = append(imports, jsString(script))
	}

	return view{
		PrecacheConfig:              precache,
		CacheID:                     jsString(d.CacheID),
		Version:                     jsString(config.Version),
		DirectoryIndex:              jsString(d.DirectoryIndex),
		HandleFetch:                 d.HandleFetch,
		IgnoreURLParametersMatching: regexpList(d.IgnoreURLParametersMatching),
		ImportScripts:               strings.Join(imports, ","),
		NavigateFallback:            jsString(d.NavigateFallback),
		NavigateFallbackWhitelist:   regexpList(d.NavigateFallbackWhitelist),
		RuntimeCaching:              table,
		DefaultHandler:              jsString(fallback),
		HasRuntimeCaching:           len(routes) > 0 || fallback != "",
	}, nil
}

func marshalJS(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func jsString(s string) string {
	out, _ := marshalJS(s)
	return out
}

// regexpList 输出 JS 正则字面量数组，例如 [/^utm_/]。
func regexpList(sources []string) string {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		parts = append(parts, "/"+escapeSlashes(src)+"/")
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func escapeSlashes(src string) string {
	var b strings.Builder
	escaped := false
	for _, r := range src {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '/':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
