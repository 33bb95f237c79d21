package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/any-hub/sw-precache/internal/failure"
)

// DefaultCLICacheID 是 CLI 未指定 cacheId 时使用的命名空间。
const DefaultCLICacheID = "sw-precache"

// flagKeys 记录 CLI 标志到配置键的映射，标志只在显式设置时覆盖配置文件。
var flagKeys = []struct {
	flag string
	key  string
}{
	{"root", "root"},
	{"sw-file", "swFile"},
	{"cache-id", "cacheId"},
	{"static-file-globs", "staticFileGlobs"},
	{"strip-prefix", "stripPrefix"},
	{"replace-prefix", "replacePrefix"},
	{"maximum-file-size-to-cache-in-bytes", "maximumFileSizeToCacheInBytes"},
	{"ignore-url-parameters-matching", "ignoreUrlParametersMatching"},
	{"import-scripts", "importScripts"},
	{"directory-index", "directoryIndex"},
	{"navigate-fallback", "navigateFallback"},
	{"navigate-fallback-whitelist", "navigateFallbackWhitelist"},
	{"handle-fetch", "handleFetch"},
	{"template-file-path", "templateFilePath"},
	{"verbose", "verbose"},
	{"log-level", "logLevel"},
	{"log-file", "logFilePath"},
	{"origin", "origin"},
	{"listen-port", "listenPort"},
	{"storage-path", "storagePath"},
	{"scope", "scope"},
	{"upstream-timeout", "upstreamTimeout"},
}

// RegisterFlags 在 fs 上注册全部生成器选项，未设置的标志不会覆盖配置文件。
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("root", "", "站点根目录，默认 ./")
	fs.String("sw-file", "", "生成脚本的文件名，默认 service-worker.js")
	fs.String("cache-id", "", "缓存命名空间前缀，默认 sw-precache")
	fs.StringSlice("static-file-globs", nil, "需要预缓存的文件 glob，可重复或逗号分隔")
	fs.String("strip-prefix", "", "从文件路径移除的前缀，默认等于 root")
	fs.String("replace-prefix", "", "替换被移除前缀的字符串")
	fs.String("maximum-file-size-to-cache-in-bytes", "", "单文件大小上限，支持 2MiB 等写法")
	fs.StringSlice("ignore-url-parameters-matching", nil, "运行时忽略的查询参数正则，逗号分隔")
	fs.StringSlice("import-scripts", nil, "脚本启动时额外加载的脚本，逗号分隔")
	fs.String("directory-index", "", "目录请求补全的文件名，默认 index.html")
	fs.String("navigate-fallback", "", "导航请求的兜底 URL")
	fs.StringSlice("navigate-fallback-whitelist", nil, "允许兜底的路径正则，逗号分隔")
	fs.Bool("handle-fetch", true, "是否在脚本中拦截 fetch")
	fs.String("template-file-path", "", "自定义脚本模板路径")
	fs.Bool("verbose", false, "输出每个文件的缓存日志")
	fs.String("log-level", "", "日志级别，默认 info")
	fs.String("log-file", "", "日志文件路径，留空输出到 stdout")
	fs.String("origin", "", "预览服务回源地址")
	fs.Int("listen-port", 0, "预览服务监听端口，默认 5000")
	fs.String("storage-path", "", "预览服务缓存目录，留空使用内存")
	fs.String("scope", "", "预览服务使用的 registration scope")
	fs.Duration("upstream-timeout", 0, "预览服务回源超时，默认 30s")
}

// Load 读取 JSON 配置文件（可为空），合并 flags 覆盖项，注入默认值并校验。
// flags 非空时视为 CLI 调用，会额外应用基于 root 的默认值。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, failure.IO("read config", path, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		patternDecodeHook(),
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, failure.Configuration("config", fmt.Errorf("解析配置失败: %w", err))
	}

	deps, err := readDynamicDependencies(path)
	if err != nil {
		return nil, err
	}
	cfg.DynamicURLToDependencies = deps

	applyLogDefaults(&cfg.Log)
	if flags != nil {
		applyRootDefaults(v, &cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("directoryIndex", "index.html")
	v.SetDefault("handleFetch", true)
	v.SetDefault("ignoreUrlParametersMatching", []string{"^utm_"})
	v.SetDefault("maximumFileSizeToCacheInBytes", int64(DefaultMaximumFileSize))
	v.SetDefault("logLevel", "info")
	v.SetDefault("logFilePath", "")
	v.SetDefault("logMaxSize", 100)
	v.SetDefault("logMaxBackups", 10)
	v.SetDefault("logCompress", true)
	v.SetDefault("listenPort", 5000)
	v.SetDefault("upstreamTimeout", DefaultUpstreamTimeout)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, binding := range flagKeys {
		flag := flags.Lookup(binding.flag)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(binding.key, flag); err != nil {
			return fmt.Errorf("绑定标志 %s 失败: %w", binding.flag, err)
		}
	}
	return nil
}

func applyLogDefaults(l *LogConfig) {
	if strings.TrimSpace(l.LogLevel) == "" {
		l.LogLevel = "info"
	}
}

// applyRootDefaults 复刻 CLI 的默认行为：root 以 / 结尾，stripPrefix 默认为 root，
// staticFileGlobs 默认为 root 下全部带扩展名的文件。
func applyRootDefaults(v *viper.Viper, cfg *Config) {
	if cfg.Root == "" {
		cfg.Root = "./"
	}
	if !strings.HasSuffix(cfg.Root, "/") {
		cfg.Root += "/"
	}
	if !v.IsSet("stripPrefix") {
		cfg.StripPrefix = cfg.Root
	}
	if cfg.SWFile == "" {
		cfg.SWFile = "service-worker.js"
	}
	if len(cfg.StaticFileGlobs) == 0 {
		cfg.StaticFileGlobs = []string{cfg.Root + "**/*.*"}
	}
	if !v.IsSet("cacheId") {
		cfg.CacheID = DefaultCLICacheID
	}
}

// readDynamicDependencies 直接解析原始 JSON：Viper 会把键转为小写并按 "." 拆分，
// 而动态 URL 常包含大写与扩展名，必须保留原样。
func readDynamicDependencies(path string) (map[string][]string, error) {
	if path == "" {
		return map[string][]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.IO("read config", path, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, failure.Configuration("config", fmt.Errorf("解析配置失败: %w", err))
	}
	return DecodeDynamicDependencies(raw["dynamicUrlToDependencies"])
}

// DecodeDynamicDependencies 校验 dynamicUrlToDependencies 的形状：值必须是非空字符串数组，
// 否则返回指向该键的 ConfigurationError。
func DecodeDynamicDependencies(raw interface{}) (map[string][]string, error) {
	result := map[string][]string{}
	if raw == nil {
		return result, nil
	}
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return nil, newFieldError("dynamicUrlToDependencies", "必须是 URL 到文件列表的映射")
	}

	urls := make([]string, 0, len(entries))
	for url := range entries {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		list, ok := entries[url].([]interface{})
		if !ok {
			return nil, newFieldError(dynamicField(url), "必须是数组")
		}
		if len(list) == 0 {
			return nil, newFieldError(dynamicField(url), "不能为空")
		}
		files := make([]string, 0, len(list))
		for _, item := range list {
			file, ok := item.(string)
			if !ok || strings.TrimSpace(file) == "" {
				return nil, newFieldError(dynamicField(url), "只能包含文件路径字符串")
			}
			files = append(files, file)
		}
		result[url] = files
	}
	return result, nil
}

func patternDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Pattern{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var p Pattern
			if err := p.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return p, nil
		case Pattern:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Pattern 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var size ByteSize
			if err := size.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return size, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的字节数类型: %T", v)
		}
	}
}
