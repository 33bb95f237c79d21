// Package failure 定义生成器与运行时对账器共享的错误分类。
// 所有错误都是 jmgilman/go/errors 的 PlatformError，可通过 Code 区分种类，
// 并携带 file/url/cache 等上下文字段，CLI 与日志直接输出这些字段。
package failure

import (
	"fmt"

	"github.com/jmgilman/go/errors"
)

// 项目内的错误码，CodeInvalidConfig 沿用库内置值以便与其它工具保持一致。
const (
	CodeConfiguration     = errors.CodeInvalidConfig
	CodeMissingDependency errors.ErrorCode = "MISSING_DEPENDENCY"
	CodeIO                errors.ErrorCode = "IO_ERROR"
	CodeInstallFetch      errors.ErrorCode = "INSTALL_FETCH_FAILED"
	CodeCacheRead         errors.ErrorCode = "CACHE_READ_FAILED"
	CodeDeleteAll         errors.ErrorCode = "DELETE_ALL_FAILED"
)

// Configuration 返回字段级配置错误，cause 通常是 config.FieldError。
func Configuration(field string, cause error) error {
	return errors.WithContext(build(CodeConfiguration, "invalid configuration", cause), "field", field)
}

// MissingDependency 表示动态 URL 引用的依赖文件不存在，同时记录文件与 URL。
func MissingDependency(file, dynamicURL string, cause error) error {
	msg := fmt.Sprintf("%s was listed as a dependency for dynamic URL %s, but the file does not exist", file, dynamicURL)
	return errors.WithContextMap(build(CodeMissingDependency, msg, cause), map[string]interface{}{
		"file": file,
		"url":  dynamicURL,
	})
}

// IO 包装模板读取、目录创建与写入失败。
func IO(op, path string, cause error) error {
	return errors.WithContextMap(build(CodeIO, op+" "+path, cause), map[string]interface{}{
		"op":   op,
		"path": path,
	})
}

// InstallFetch 表示 install 阶段某个预缓存条目拉取失败；该错误可重试。
func InstallFetch(url, cacheName string, cause error) error {
	err := errors.WithClassification(build(CodeInstallFetch, "precache fetch "+url, cause), errors.ClassificationRetryable)
	return errors.WithContextMap(err, map[string]interface{}{
		"url":   url,
		"cache": cacheName,
	})
}

// CacheRead 表示 fetch 处理时读取命名缓存失败，调用方应回退到网络。
func CacheRead(url string, cause error) error {
	return errors.WithContext(build(CodeCacheRead, "read cache for "+url, cause), "url", url)
}

// DeleteAll 表示 delete_all 消息处理时删除缓存失败。
func DeleteAll(cacheName string, cause error) error {
	return errors.WithContext(build(CodeDeleteAll, "delete cache "+cacheName, cause), "cache", cacheName)
}

// build 在 cause 为空时创建新错误，否则包装 cause，避免 Wrap(nil) 返回 nil。
func build(code errors.ErrorCode, msg string, cause error) errors.PlatformError {
	if cause == nil {
		return errors.New(code, msg)
	}
	return errors.Wrap(cause, code, msg)
}

// Is 判断错误链中是否包含指定错误码。
func Is(err error, code errors.ErrorCode) bool {
	if err == nil {
		return false
	}
	var platformErr errors.PlatformError
	for e := err; e != nil; {
		if !errors.As(e, &platformErr) {
			return false
		}
		if platformErr.Code() == code {
			return true
		}
		e = platformErr.Unwrap()
	}
	return false
}

// Context 返回错误链最外层 PlatformError 的上下文字段，便于写入日志。
func Context(err error) map[string]interface{} {
	var platformErr errors.PlatformError
	if errors.As(err, &platformErr) {
		return platformErr.Context()
	}
	return nil
}
