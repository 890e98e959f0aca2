package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/any-hub/sw-agent/internal/version"
)

// Network 执行真实网络请求。返回 error 表示网络失败；任何 HTTP 状态码都算成功。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPNetwork 基于 http.Client 实现 Network，同源请求改写到 upstream。
type HTTPNetwork struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewHTTPNetwork 构造 HTTPNetwork；upstream 为空时同源请求直接访问 origin。
func NewHTTPNetwork(client *http.Client, origin, upstream *url.URL) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNetwork{client: client, origin: origin, upstream: upstream}
}

// Fetch 发起请求并完整读取正文。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := n.resolve(req.URL)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		if IsHopByHopHeader(key) || strings.EqualFold(key, "Host") {
			continue
		}
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}
	// 交给 Transport 处理压缩，缓存中保存解压后的正文
	httpReq.Header.Del("Accept-Encoding")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	for key, values := range resp.Header {
		if IsHopByHopHeader(key) {
			continue
		}
		header[key] = append([]string(nil), values...)
	}
	if resp.Uncompressed {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &Response{
		Type:   ResponseBasic,
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Source: SourceNetwork,
	}, nil
}

func (n *HTTPNetwork) resolve(u *url.URL) *url.URL {
	if n.upstream == nil || !SameOrigin(u, n.origin) {
		return u
	}
	resolved := *u
	resolved.Scheme = n.upstream.Scheme
	resolved.Host = n.upstream.Host
	if prefix := strings.TrimSuffix(n.upstream.Path, "/"); prefix != "" {
		resolved.Path = prefix + u.Path
		resolved.RawPath = ""
	}
	return &resolved
}

// SameOrigin 比较 scheme 与 host（含端口），origin 为空时视为不同源。
func SameOrigin(u, origin *url.URL) bool {
	if u == nil || origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
