package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Version 是缓存命名方案的版本号，只有缓存格式出现不兼容变更时才调整。
const Version = "v1"

// DefaultUpstreamTimeout 是预览服务回源请求的默认超时。
const DefaultUpstreamTimeout = 30 * time.Second

// DefaultMaximumFileSize 为单文件预缓存上限（2 MiB）。
const DefaultMaximumFileSize = ByteSize(2 * 1024 * 1024)

// Pattern 包装正则表达式，配置中以字符串形式出现，例如 "^utm_"。
type Pattern struct {
	*regexp.Regexp
}

// MustPattern 编译表达式，失败时 panic，仅用于默认值与测试。
func MustPattern(expr string) Pattern {
	return Pattern{Regexp: regexp.MustCompile(expr)}
}

// UnmarshalText 允许 Viper/mapstructure 直接把字符串解析为 Pattern。
func (p *Pattern) UnmarshalText(text []byte) error {
	re, err := regexp.Compile(string(text))
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", string(text), err)
	}
	p.Regexp = re
	return nil
}

// Source 返回原始表达式；零值返回空字符串。
func (p Pattern) Source() string {
	if p.Regexp == nil {
		return ""
	}
	return p.Regexp.String()
}

// ByteSize 兼容纯数字字节数与 "2MiB"、"500 kB" 这类写法。
type ByteSize int64

// UnmarshalText 支持 humanize 可识别的所有单位。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// String 以人类可读格式输出，用于日志。
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.Bytes(uint64(b))
}

// CacheOptions 对应 runtimeCaching[].options.cache。
type CacheOptions struct {
	Name       string `mapstructure:"name" json:"name,omitempty"`
	MaxEntries int    `mapstructure:"maxEntries" json:"maxEntries,omitempty"`
}

// RuleOptions 对应 runtimeCaching[].options。
type RuleOptions struct {
	Cache  CacheOptions `mapstructure:"cache" json:"cache,omitempty"`
	// Origin 是匹配请求 origin 的正则，可写成 /expr/。
	Origin string       `mapstructure:"origin" json:"origin,omitempty"`
}

// RuntimeRule 描述一条运行时路由规则；Default 非空时表示兜底策略，其余字段忽略。
type RuntimeRule struct {
	URLPattern string      `mapstructure:"urlPattern" json:"urlPattern,omitempty"`
	Handler    string      `mapstructure:"handler" json:"handler,omitempty"`
	Method     string      `mapstructure:"method" json:"method,omitempty"`
	Default    string      `mapstructure:"default" json:"default,omitempty"`
	Options    RuleOptions `mapstructure:"options" json:"options"`
}

// IsRegexp 判断 urlPattern 是否写成 /expr/ 形式的正则。
func (r RuntimeRule) IsRegexp() bool {
	return len(r.URLPattern) > 1 && strings.HasPrefix(r.URLPattern, "/") && strings.HasSuffix(r.URLPattern, "/")
}

// MatcherSource 返回规则对应的正则表达式源码；pathOnly 为 true 时只匹配请求 URL 的 path 部分。
// /expr/ 写法原样使用并匹配完整 URL，其余按路径模式翻译："(.*)" 与 "*" 匹配任意字符，":name" 匹配单段。
func (r RuntimeRule) MatcherSource() (expr string, pathOnly bool) {
	if r.IsRegexp() {
		return TrimSlashes(r.URLPattern), false
	}
	pattern := r.URLPattern
	pathOnly = !strings.HasPrefix(pattern, "http://") && !strings.HasPrefix(pattern, "https://")

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "(.*)"):
			b.WriteString(".*")
			i += len("(.*)")
		case pattern[i] == '*':
			b.WriteString(".*")
			i++
		case pattern[i] == ':' && i+1 < len(pattern) && isIdentStart(pattern[i+1]):
			j := i + 1
			for j < len(pattern) && (isIdentStart(pattern[j]) || pattern[j] >= '0' && pattern[j] <= '9') {
				j++
			}
			b.WriteString("[^/]+")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
	b.WriteString("$")
	return b.String(), pathOnly
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// TrimSlashes 去掉 /expr/ 写法两侧的斜杠，其它字符串原样返回。
func TrimSlashes(expr string) string {
	if len(expr) > 1 && strings.HasPrefix(expr, "/") && strings.HasSuffix(expr, "/") {
		return expr[1 : len(expr)-1]
	}
	return expr
}

// Options 是生成器的全部输入，每次调用构造一次后按值传递。
type Options struct {
	CacheID                       string              `mapstructure:"cacheId"`
	DirectoryIndex                string              `mapstructure:"directoryIndex"`
	DynamicURLToDependencies      map[string][]string `mapstructure:"-"`
	HandleFetch                   bool                `mapstructure:"handleFetch"`
	IgnoreURLParametersMatching   []Pattern           `mapstructure:"ignoreUrlParametersMatching"`
	ImportScripts                 []string            `mapstructure:"importScripts"`
	MaximumFileSizeToCacheInBytes ByteSize            `mapstructure:"maximumFileSizeToCacheInBytes"`
	NavigateFallback              string              `mapstructure:"navigateFallback"`
	NavigateFallbackWhitelist     []Pattern           `mapstructure:"navigateFallbackWhitelist"`
	RuntimeCaching                []RuntimeRule       `mapstructure:"runtimeCaching"`
	StaticFileGlobs               []string            `mapstructure:"staticFileGlobs"`
	StripPrefix                   string              `mapstructure:"stripPrefix"`
	ReplacePrefix                 string              `mapstructure:"replacePrefix"`
	TemplateFilePath              string              `mapstructure:"templateFilePath"`
	Verbose                       bool                `mapstructure:"verbose"`

	// OutputFilePath 由 generator.Write 写入，用于在 glob 中排除上一次生成的产物。
	OutputFilePath string `mapstructure:"-"`
}

// Defaults 返回带文档默认值的 Options，调用方在此基础上覆盖。
func Defaults() Options {
	return Options{
		DirectoryIndex:                "index.html",
		DynamicURLToDependencies:      map[string][]string{},
		HandleFetch:                   true,
		IgnoreURLParametersMatching:   []Pattern{MustPattern("^utm_")},
		MaximumFileSizeToCacheInBytes: DefaultMaximumFileSize,
	}
}

// LogConfig 控制结构化日志输出与文件轮转。
type LogConfig struct {
	LogLevel      string `mapstructure:"logLevel"`
	LogFilePath   string `mapstructure:"logFilePath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	LogCompress   bool   `mapstructure:"logCompress"`
}

// ServeConfig 描述预览服务：在 Origin 前运行对账器并托管生成的脚本。
type ServeConfig struct {
	Origin      string `mapstructure:"origin"`
	ListenPort  int    `mapstructure:"listenPort"`
	StoragePath string `mapstructure:"storagePath"`
	Scope       string `mapstructure:"scope"`

	// UpstreamTimeout 同时作用于回源代理与对账器的网络请求。
	UpstreamTimeout time.Duration `mapstructure:"upstreamTimeout"`
}

// Config 是配置文件 + CLI 标志合并后的整体结构。
type Config struct {
	Options `mapstructure:",squash"`
	Log     LogConfig   `mapstructure:",squash"`
	Serve   ServeConfig `mapstructure:",squash"`

	Root   string `mapstructure:"root"`
	SWFile string `mapstructure:"swFile"`
}

// OutputPath 返回生成脚本的目标路径 <root>/<swFile>。
func (c *Config) OutputPath() string {
	return filepath.Join(c.Root, c.SWFile)
}

// PatternSources 将 Pattern 列表还原为表达式字符串，供模板与日志使用。
func PatternSources(patterns []Pattern) []string {
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if src := p.Source(); src != "" {
			result = append(result, src)
		}
	}
	return result
}
