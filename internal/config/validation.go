package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// BuiltinHandlers 是配置文件中可直接引用的运行时策略名；通过 Go API 注册的自定义策略不受此限制。
var BuiltinHandlers = []string{"cacheFirst", "networkFirst", "fastest", "cacheOnly", "networkOnly"}

var supportedMethods = map[string]struct{}{
	"get":    {},
	"post":   {},
	"put":    {},
	"delete": {},
	"head":   {},
	"any":    {},
}

// Validate 针对语义级别做进一步校验，防止非法配置进入生成流程。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Options.Validate(); err != nil {
		return err
	}
	if c.Serve.ListenPort < 0 || c.Serve.ListenPort > 65535 {
		return newFieldError("listenPort", "必须在 1-65535")
	}
	if c.Serve.Origin != "" {
		if err := validateOrigin(c.Serve.Origin); err != nil {
			return newFieldError("origin", err.Error())
		}
	}
	if strings.Contains(c.SWFile, "/") {
		return newFieldError("swFile", "只能是文件名")
	}
	return nil
}

// Validate 校验生成器选项；Options 也可以不经 Load 直接通过 Go API 构造。
func (o *Options) Validate() error {
	if o.MaximumFileSizeToCacheInBytes <= 0 {
		return newFieldError("maximumFileSizeToCacheInBytes", "必须大于 0")
	}
	if strings.Contains(o.DirectoryIndex, "/") {
		return newFieldError("directoryIndex", "不允许包含路径分隔符")
	}
	for url, deps := range o.DynamicURLToDependencies {
		if len(deps) == 0 {
			return newFieldError(dynamicField(url), "不能为空")
		}
	}
	for i := range o.RuntimeCaching {
		if err := validateRule(i, &o.RuntimeCaching[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(idx int, rule *RuntimeRule) error {
	if rule.Default != "" {
		if !IsBuiltinHandler(rule.Default) {
			return newFieldError(ruleField(idx, "default"), "仅支持 "+strings.Join(BuiltinHandlers, "/"))
		}
		return nil
	}
	if strings.TrimSpace(rule.URLPattern) == "" {
		return newFieldError(ruleField(idx, "urlPattern"), "不能为空")
	}
	if !IsBuiltinHandler(rule.Handler) {
		return newFieldError(ruleField(idx, "handler"), "仅支持 "+strings.Join(BuiltinHandlers, "/"))
	}
	method := strings.ToLower(strings.TrimSpace(rule.Method))
	if method == "" {
		method = "get"
	}
	if _, ok := supportedMethods[method]; !ok {
		return newFieldError(ruleField(idx, "method"), "仅支持 get/post/put/delete/head/any")
	}
	rule.Method = method
	if rule.Options.Cache.MaxEntries < 0 {
		return newFieldError(ruleField(idx, "options.cache.maxEntries"), "不能为负数")
	}
	if rule.Options.Origin != "" {
		if _, err := regexp.Compile(TrimSlashes(rule.Options.Origin)); err != nil {
			return newFieldError(ruleField(idx, "options.origin"), err.Error())
		}
	}
	if rule.IsRegexp() {
		if _, err := regexp.Compile(TrimSlashes(rule.URLPattern)); err != nil {
			return newFieldError(ruleField(idx, "urlPattern"), err.Error())
		}
	}
	return nil
}

// IsBuiltinHandler 判断 name 是否为内置的运行时策略。
func IsBuiltinHandler(name string) bool {
	for _, candidate := range BuiltinHandlers {
		if candidate == name {
			return true
		}
	}
	return false
}

func validateOrigin(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
