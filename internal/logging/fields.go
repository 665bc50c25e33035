package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的 URL/方法/解析来源字段，供代理日志复用。
func RequestFields(requestID, method, url, source string) logrus.Fields {
	fields := logrus.Fields{
		"method": method,
		"url":    url,
		"source": source,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

// GenerationFields 描述缓存代际相关操作（安装、激活、迁移）的日志字段。
func GenerationFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
