package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store 管理全部具名 bucket。实现需要保证单次 Put/Delete 的串行化，
// 不提供跨操作的事务语义（last-writer-wins）。
type Store interface {
	// Open 返回指定名称的 bucket，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断 bucket 是否存在，不会触发创建。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除 bucket 及其全部条目，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按创建顺序返回现存 bucket 名称。
	Names(ctx context.Context) ([]string, error)

	// Match 按 bucket 创建顺序查找第一个命中的条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*StoredResponse, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 是单个具名缓存，条目按插入顺序排列。
type Bucket interface {
	Name() string

	// Match 返回条目的只读快照，未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*StoredResponse, error)

	// Put 以 delete-then-insert 语义写入：已存在的 key 会成为最新插入的条目。
	Put(ctx context.Context, key RequestKey, resp *StoredResponse) error

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 按插入顺序（最旧在前）返回全部 key。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 是请求的规范化标识，用于查找与淘汰顺序跟踪。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 规范化 method 与 URL：method 大写（空值视为 GET），去掉 fragment。
func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		parsed.Fragment = ""
		parsed.RawFragment = ""
		rawURL = parsed.String()
	} else if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return RequestKey{Method: method, URL: rawURL}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// StoredResponse 是响应的不可变快照。写入后不再修改，替换只能重新 Put。
type StoredResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 复制 header 与 body，调用方可自由修改返回值而不影响缓存内容。
func (r *StoredResponse) Clone() *StoredResponse {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrBucketNameRequired 表示传入了空的 bucket 名称。
var ErrBucketNameRequired = errors.New("bucket name required")

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
