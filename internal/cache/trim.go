package cache

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Trimmer 将 bucket 的条目数限制在上限以内，按插入顺序淘汰最旧条目。
type Trimmer struct {
	store  Store
	logger *logrus.Logger
}

// NewTrimmer 构造 Trimmer；logger 为空时使用 logrus 标准 logger。
func NewTrimmer(store Store, logger *logrus.Logger) *Trimmer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Trimmer{store: store, logger: logger}
}

// Trim 每轮重新读取实时条目列表，超出 maxEntries 时只删除最旧的一条后再复查，
// 直至收敛；并发写入不会导致多删。maxEntries <= 0 时清空 bucket。
// 维护失败只记录日志，不向调用方传播。
func (t *Trimmer) Trim(ctx context.Context, bucketName string, maxEntries int) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	fields := logrus.Fields{
		"action":      "cache_trim",
		"bucket":      bucketName,
		"max_entries": maxEntries,
	}

	exists, err := t.store.Has(ctx, bucketName)
	if err != nil {
		t.logger.WithError(err).WithFields(fields).Warn("cache_trim_failed")
		return
	}
	if !exists {
		return
	}
	bucket, err := t.store.Open(ctx, bucketName)
	if err != nil {
		t.logger.WithError(err).WithFields(fields).Warn("cache_trim_failed")
		return
	}

	evicted := 0
	for {
		keys, err := bucket.Keys(ctx)
		if err != nil {
			t.logger.WithError(err).WithFields(fields).Warn("cache_trim_failed")
			return
		}
		if len(keys) <= maxEntries {
			break
		}
		removed, err := bucket.Delete(ctx, keys[0])
		if err != nil {
			t.logger.WithError(err).WithFields(fields).Warn("cache_trim_failed")
			return
		}
		if removed {
			evicted++
		}
	}

	if evicted > 0 {
		fields["evicted"] = evicted
		t.logger.WithFields(fields).Debug("cache_trim_complete")
	}
}
