package agent

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/sw-agent/internal/cache"
)

// Mode 对应 Fetch 规范中的 request mode，仅 navigate 会影响路由。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// DestinationImage 是图片类请求声明的 destination。
const DestinationImage = "image"

// Request 描述一次被拦截的请求。URL 必须是绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest 解析 rawURL 并构造 Request，rawURL 需包含 scheme 与 host。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Mode:   ModeNoCORS,
		Header: http.Header{},
	}, nil
}

// Key 返回用于缓存查找的规范化 key。
func (r *Request) Key() cache.RequestKey {
	return cache.NewRequestKey(r.Method, r.URL.String())
}

// IsNavigation 判断是否为顶层页面加载。
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// ResponseType 区分正常响应与合成的失败响应（Response.error()）。
type ResponseType string

const (
	ResponseBasic ResponseType = "basic"
	ResponseError ResponseType = "error"
)

// Source 记录响应来自网络、缓存还是合成。
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic"
)

// Response 是交还给调用方的响应。Body 已完整读入内存，视为只读。
type Response struct {
	Type   ResponseType
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// ErrorResponse 返回合成的失败响应，用于关键路径上的兜底。
func ErrorResponse() *Response {
	return &Response{
		Type:   ResponseError,
		Header: http.Header{},
		Source: SourceSynthetic,
	}
}

// IsError 判断是否为合成失败响应。
func (r *Response) IsError() bool {
	return r == nil || r.Type == ResponseError
}

// OK 对应 Response.ok：状态码在 200-299 之间。
func (r *Response) OK() bool {
	return !r.IsError() && r.Status >= 200 && r.Status < 300
}

// Cacheable 判断响应能否写入 bucket；206 等部分内容不缓存。
func (r *Response) Cacheable() bool {
	return r.OK() && r.Status != http.StatusPartialContent
}

// Snapshot 生成可写入缓存的不可变快照。
func (r *Response) Snapshot() *cache.StoredResponse {
	return &cache.StoredResponse{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: time.Now().UTC(),
	}
}

func responseFromCache(stored *cache.StoredResponse) *Response {
	header := stored.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Type:   ResponseBasic,
		Status: stored.Status,
		Header: header,
		Body:   stored.Body,
		Source: SourceCache,
	}
}
