package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供版本/策略/命中状态字段，供路由决策日志复用。
func RequestFields(version, strategy, url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"version":   version,
		"strategy":  strategy,
		"url":       url,
		"cache_hit": cacheHit,
	}
}

// WorkerFields 标识某个 worker 实例，供生命周期日志复用。
func WorkerFields(workerID, version string) logrus.Fields {
	return logrus.Fields{
		"worker_id": workerID,
		"version":   version,
	}
}
