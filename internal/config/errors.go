package config

import (
	"fmt"

	"github.com/any-hub/sw-precache/internal/failure"
)

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建 ConfigurationError，底层 cause 为 FieldError，便于 errors.As 定位字段。
func newFieldError(field, reason string) error {
	return failure.Configuration(field, FieldError{Field: field, Reason: reason})
}

// dynamicField 拼接 dynamicUrlToDependencies.<url> 形式的字段路径。
func dynamicField(url string) string {
	return fmt.Sprintf("dynamicUrlToDependencies.%s", url)
}

// ruleField 拼接 runtimeCaching[i].Field 形式的字段路径。
func ruleField(idx int, field string) string {
	return fmt.Sprintf("runtimeCaching[%d].%s", idx, field)
}
