package cache

import (
	"context"
	"errors"
)

// ErrStoreUnavailable 表示未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// BucketWriter 绑定一个具名 bucket，首次写入时才创建它（runtime bucket 的惰性创建）。
type BucketWriter struct {
	store Store
	name  string
}

// NewBucketWriter 构造指向 name 的写入器。
func NewBucketWriter(store Store, name string) BucketWriter {
	return BucketWriter{store: store, name: name}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w BucketWriter) Enabled() bool {
	return w.store != nil && w.name != ""
}

// Name 返回目标 bucket 名称。
func (w BucketWriter) Name() string {
	return w.name
}

// Put 打开目标 bucket 并写入条目，语义与 Bucket.Put 相同。
func (w BucketWriter) Put(ctx context.Context, key RequestKey, resp *StoredResponse) error {
	if !w.Enabled() {
		return ErrStoreUnavailable
	}
	bucket, err := w.store.Open(ctx, w.name)
	if err != nil {
		return err
	}
	return bucket.Put(ctx, key, resp)
}
