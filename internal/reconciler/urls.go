package reconciler

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/sw-precache/internal/config"
	"github.com/any-hub/sw-precache/internal/manifest"
)

// CacheBustParam 是 install 阶段附加在请求上的查询参数名。
const CacheBustParam = "sw-precache"

// CacheNamePrefix 返回预缓存命名空间前缀，只有带此前缀的命名空间会在 install 时被清理。
func CacheNamePrefix(cacheID, scope string) string {
	return "sw-precache-" + config.Version + "-" + cacheID + "-" + scope + "-"
}

// RuntimeCacheName 返回运行时路由使用的命名空间，name 为空时使用 default。
func RuntimeCacheName(cacheID, scope, name string) string {
	if name == "" {
		name = "default"
	}
	return "sw-runtime-" + cacheID + "-" + scope + "-" + name
}

// Mappings 是 manifest 与命名空间之间的双向映射。
type Mappings struct {
	AbsoluteURLToCacheName map[string]string
	CacheNameToAbsoluteURL map[string]string
}

// PopulateCurrentCacheNames 以 baseURL 解析每个相对 URL，命名空间名称为 prefix + 绝对 URL + "-" + hash。
func PopulateCurrentCacheNames(m manifest.Manifest, prefix, baseURL string) (Mappings, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return Mappings{}, err
	}
	mappings := Mappings{
		AbsoluteURLToCacheName: make(map[string]string, len(m)),
		CacheNameToAbsoluteURL: make(map[string]string, len(m)),
	}
	for _, entry := range m {
		absolute, err := resolve(base, entry.RelativeURL)
		if err != nil {
			return Mappings{}, err
		}
		name := prefix + absolute + "-" + entry.Hash
		mappings.AbsoluteURLToCacheName[absolute] = name
		mappings.CacheNameToAbsoluteURL[name] = absolute
	}
	return mappings, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(escapeStrayPercent(ref))
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(parsed)
	normalizePath(resolved)
	return resolved.String(), nil
}

// escapeStrayPercent 把不构成 %XX 转义序列的 '%' 替换为 "%25"，
// 文件名中的字面量 '%'（如 "100%.txt"）因此能被 url.Parse 接受。
func escapeStrayPercent(ref string) string {
	if !strings.Contains(ref, "%") {
		return ref
	}
	var b strings.Builder
	b.Grow(len(ref) + 4)
	for i := 0; i < len(ref); i++ {
		if ref[i] == '%' && !(i+2 < len(ref) && isHex(ref[i+1]) && isHex(ref[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(ref[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// normalizePath 让 "http://example.com" 与 "http://example.com/" 得到同一个 key。
func normalizePath(u *url.URL) {
	if u.Host != "" && u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
}

// StripIgnoredURLParameters 去掉名称匹配任一 pattern 的查询参数；没有值的参数同样按名称判断。
func StripIgnoredURLParameters(raw string, patterns []config.Pattern) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	normalizePath(u)
	if u.RawQuery == "" {
		u.ForceQuery = false
		return u.String(), nil
	}

	kept := make([]string, 0)
	for _, kv := range strings.Split(u.RawQuery, "&") {
		key := strings.SplitN(kv, "=", 2)[0]
		if !matchesAny(patterns, key) {
			kept = append(kept, kv)
		}
	}
	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	return u.String(), nil
}

func matchesAny(patterns []config.Pattern, value string) bool {
	for _, p := range patterns {
		if p.Regexp != nil && p.MatchString(value) {
			return true
		}
	}
	return false
}

// AddDirectoryIndex 在路径以 / 结尾时追加 index，查询参数与片段保持不变。
func AddDirectoryIndex(raw, index string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	normalizePath(u)
	if index != "" && strings.HasSuffix(u.Path, "/") {
		u.Path += index
		if u.RawPath != "" {
			u.RawPath += index
		}
	}
	return u.String(), nil
}

// IsPathWhitelisted 判断 URL 的路径是否命中白名单；白名单为空时全部放行。
func IsPathWhitelisted(whitelist []config.Pattern, absoluteURL string) bool {
	if len(whitelist) == 0 {
		return true
	}
	u, err := url.Parse(absoluteURL)
	if err != nil {
		return false
	}
	normalizePath(u)
	return matchesAny(whitelist, u.EscapedPath())
}

// CacheBustedURL 追加 sw-precache=<毫秒时间戳>，相同 now 得到相同结果。
func CacheBustedURL(raw string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	normalizePath(u)
	param := CacheBustParam + "=" + strconv.FormatInt(now.UnixMilli(), 10)
	if u.RawQuery != "" {
		u.RawQuery += "&" + param
	} else {
		u.RawQuery = param
	}
	return u.String(), nil
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
