package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的方法/URL/路由策略/命中状态字段，供代理日志复用。
func RequestFields(method, url, strategy, generation string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"url":        url,
		"strategy":   strategy,
		"generation": generation,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 描述一次生命周期事件（install/activate/message 等）所属的代际。
func LifecycleFields(event, version, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     event,
		"version":    version,
		"cache_name": cacheName,
	}
}
