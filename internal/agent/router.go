package agent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/logging"
)

// Strategy 是 Router 为请求选定的处理策略。
type Strategy string

const (
	StrategyPassthrough Strategy = "passthrough"
	StrategyNavigation  Strategy = "network-first-navigation"
	StrategyImage       Strategy = "cache-first-image"
	StrategyStatic      Strategy = "cache-first"
	StrategyCrossOrigin Strategy = "network-first-cross-origin"
)

const (
	defaultImagePathPrefix = "/icons/"
	defaultImageCacheLimit = 80
	defaultOfflinePage     = "/offline.html"
)

// RouterOptions 描述路由所需的版本相关参数。
type RouterOptions struct {
	Version         string
	Origin          *url.URL
	Buckets         cache.Buckets
	OfflinePage     string
	ImagePathPrefix string
	ImageCacheLimit int
}

// Router 按顺序匹配五类策略，首个命中即生效。
type Router struct {
	opts    RouterOptions
	store   cache.Store
	network Network
	runtime cache.BucketWriter
	trimmer *cache.Trimmer
	logger  *logrus.Logger

	// gate 让退役与缓存写入互斥：retire 返回后不会再有写入落到本版本的 bucket。
	gate    sync.RWMutex
	retired bool
}

// NewRouter 构造 Router，未填写的选项使用默认值。
func NewRouter(store cache.Store, network Network, logger *logrus.Logger, opts RouterOptions) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = defaultOfflinePage
	}
	if opts.ImagePathPrefix == "" {
		opts.ImagePathPrefix = defaultImagePathPrefix
	}
	if opts.ImageCacheLimit == 0 {
		opts.ImageCacheLimit = defaultImageCacheLimit
	}
	return &Router{
		opts:    opts,
		store:   store,
		network: network,
		runtime: cache.NewBucketWriter(store, opts.Buckets.Runtime),
		trimmer: cache.NewTrimmer(store, logger),
		logger:  logger,
	}
}

// Classify 返回请求将采用的策略，不产生副作用。
func (r *Router) Classify(req *Request) Strategy {
	if req.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if req.IsNavigation() {
		return StrategyNavigation
	}
	if SameOrigin(req.URL, r.opts.Origin) {
		if req.Destination == DestinationImage || strings.HasPrefix(req.URL.Path, r.opts.ImagePathPrefix) {
			return StrategyImage
		}
		return StrategyStatic
	}
	return StrategyCrossOrigin
}

// Route 为一次拦截请求产出响应。只有 passthrough 与跨域请求会把网络错误交还调用方，
// 其余策略总是返回响应（必要时为合成失败响应）。后台缓存写入通过 keep 保活。
func (r *Router) Route(ctx context.Context, req *Request, keep KeepAlive) (*Response, error) {
	switch strategy := r.Classify(req); strategy {
	case StrategyPassthrough:
		return r.network.Fetch(ctx, req)
	case StrategyNavigation:
		return r.networkFirstNavigation(ctx, req, keep), nil
	case StrategyImage:
		return r.cacheFirst(ctx, req, keep, strategy), nil
	case StrategyStatic:
		return r.cacheFirst(ctx, req, keep, strategy), nil
	default:
		return r.networkFirstCrossOrigin(ctx, req)
	}
}

func (r *Router) networkFirstNavigation(ctx context.Context, req *Request, keep KeepAlive) *Response {
	resp, err := r.network.Fetch(ctx, req)
	if err == nil {
		r.mirror(ctx, keep, req.Key(), resp)
		r.logRoute(StrategyNavigation, req, resp, nil)
		return resp
	}

	fallback := r.offlinePage(ctx)
	r.logRoute(StrategyNavigation, req, fallback, err)
	return fallback
}

func (r *Router) offlinePage(ctx context.Context) *Response {
	offline := r.opts.Origin.ResolveReference(&url.URL{Path: r.opts.OfflinePage})
	stored, err := r.store.Match(ctx, cache.NewRequestKey(http.MethodGet, offline.String()))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithError(err).WithField("action", "offline_lookup").Warn("cache_match_failed")
		}
		return ErrorResponse()
	}
	return responseFromCache(stored)
}

func (r *Router) cacheFirst(ctx context.Context, req *Request, keep KeepAlive, strategy Strategy) *Response {
	if cached := r.match(ctx, req); cached != nil {
		r.logRoute(strategy, req, cached, nil)
		return cached
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		fallback := ErrorResponse()
		r.logRoute(strategy, req, fallback, err)
		return fallback
	}

	if strategy == StrategyImage {
		r.storeAndTrim(ctx, keep, req.Key(), resp)
	} else {
		r.mirror(ctx, keep, req.Key(), resp)
	}
	r.logRoute(strategy, req, resp, nil)
	return resp
}

func (r *Router) networkFirstCrossOrigin(ctx context.Context, req *Request) (*Response, error) {
	resp, err := r.network.Fetch(ctx, req)
	if err == nil {
		r.logRoute(StrategyCrossOrigin, req, resp, nil)
		return resp, nil
	}
	if cached := r.match(ctx, req); cached != nil {
		r.logRoute(StrategyCrossOrigin, req, cached, err)
		return cached, nil
	}
	r.logRoute(StrategyCrossOrigin, req, nil, err)
	return nil, err
}

func (r *Router) match(ctx context.Context, req *Request) *Response {
	stored, err := r.store.Match(ctx, req.Key())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithError(err).WithFields(r.fields("", req, false)).Warn("cache_match_failed")
		}
		return nil
	}
	return responseFromCache(stored)
}

// mirror 在后台把响应写入 runtime bucket，调用方无需等待写入完成。
func (r *Router) mirror(ctx context.Context, keep KeepAlive, key cache.RequestKey, resp *Response) {
	if !resp.Cacheable() || !r.runtime.Enabled() {
		return
	}
	snapshot := resp.Snapshot()
	keep.Extend(ctx, "cache_mirror", func(ctx context.Context) error {
		return r.writeRuntime(ctx, key, snapshot)
	})
}

// storeAndTrim 先同步写入（失败仅记录），再在后台把 runtime bucket 修剪到上限。
func (r *Router) storeAndTrim(ctx context.Context, keep KeepAlive, key cache.RequestKey, resp *Response) {
	if !resp.Cacheable() || !r.runtime.Enabled() {
		return
	}
	if err := r.writeRuntime(ctx, key, resp.Snapshot()); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_put",
			"bucket": r.runtime.Name(),
			"key":    key.String(),
		}).Warn("cache_put_failed")
		return
	}
	limit := r.opts.ImageCacheLimit
	bucket := r.runtime.Name()
	keep.Extend(ctx, "cache_trim", func(ctx context.Context) error {
		r.gate.RLock()
		defer r.gate.RUnlock()
		if !r.retired {
			r.trimmer.Trim(ctx, bucket, limit)
		}
		return nil
	})
}

// writeRuntime 写入 runtime bucket；退役后的写入直接丢弃。
func (r *Router) writeRuntime(ctx context.Context, key cache.RequestKey, snapshot *cache.StoredResponse) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.retired {
		return nil
	}
	return r.runtime.Put(ctx, key, snapshot)
}

// retire 等待进行中的写入结束并拒绝后续写入。
func (r *Router) retire() {
	r.gate.Lock()
	r.retired = true
	r.gate.Unlock()
}

func (r *Router) fields(strategy Strategy, req *Request, cacheHit bool) logrus.Fields {
	return logging.RequestFields(r.opts.Version, string(strategy), req.URL.String(), cacheHit)
}

func (r *Router) logRoute(strategy Strategy, req *Request, resp *Response, err error) {
	fields := r.fields(strategy, req, resp != nil && resp.Source == SourceCache)
	fields["action"] = "route"
	fields["method"] = req.Method
	if resp != nil {
		fields["status"] = resp.Status
		fields["source"] = string(resp.Source)
	}
	if err != nil {
		fields["error"] = err.Error()
		r.logger.WithFields(fields).Warn("route_fallback")
		return
	}
	r.logger.WithFields(fields).Debug("route_complete")
}
