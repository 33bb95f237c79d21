package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FileFields 描述单个预缓存文件，verbose 模式下逐个输出。
func FileFields(file, url string, size int64) logrus.Fields {
	return logrus.Fields{
		"file": file,
		"url":  url,
		"size": size,
	}
}

// ReconcileFields 提供对账器事件日志字段。
func ReconcileFields(event, cacheName, url string) logrus.Fields {
	fields := logrus.Fields{"event": event}
	if cacheName != "" {
		fields["cache"] = cacheName
	}
	if url != "" {
		fields["url"] = url
	}
	return fields
}

// RequestFields 提供预览服务的请求日志字段，source 取值 precache/runtime/network/origin。
func RequestFields(method, path, source, requestID string) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"source":     source,
		"request_id": requestID,
	}
}
