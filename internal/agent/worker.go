package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/sw-agent/internal/cache"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrRedundant 表示 worker 已被新版本取代，不再处理 fetch。
	ErrRedundant = errors.New("worker is redundant")
	// ErrInstallFailed 表示预缓存失败，本次安装作废，可重新注册重试。
	ErrInstallFailed = errors.New("install failed")
)

// WorkerOptions 描述一个 agent 版本。
type WorkerOptions struct {
	Version         string
	Origin          *url.URL
	Precache        []string
	OfflinePage     string
	ImagePathPrefix string
	ImageCacheLimit int
	// SkipWaiting 为 true 时安装完成后立即激活，无需等待旧版本退出。
	SkipWaiting bool
}

// Worker 是 agent 的一个版本实例，由 Registration 驱动其生命周期。
type Worker struct {
	id       string
	version  string
	buckets  cache.Buckets
	manifest []*url.URL

	store   cache.Store
	network Network
	router  *Router
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	autoSkip    bool
	skipWaiting bool
	listeners   []func(State)
	reg         *Registration
}

// NewWorker 校验版本号并把预缓存清单解析为绝对地址。
func NewWorker(store cache.Store, network Network, logger *logrus.Logger, opts WorkerOptions) (*Worker, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if network == nil {
		return nil, errors.New("network is required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("worker version is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("worker origin must be an absolute url")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	manifest := make([]*url.URL, 0, len(opts.Precache))
	for _, raw := range opts.Precache {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid precache entry %q: %w", raw, err)
		}
		manifest = append(manifest, opts.Origin.ResolveReference(ref))
	}

	buckets := cache.BucketsFor(version)
	w := &Worker{
		id:       uuid.NewString(),
		version:  version,
		buckets:  buckets,
		manifest: manifest,
		store:    store,
		network:  network,
		logger:   logger,
		state:    StateParsed,
	}
	w.router = NewRouter(store, network, logger, RouterOptions{
		Version:         version,
		Origin:          opts.Origin,
		Buckets:         buckets,
		OfflinePage:     opts.OfflinePage,
		ImagePathPrefix: opts.ImagePathPrefix,
		ImageCacheLimit: opts.ImageCacheLimit,
	})
	w.autoSkip = opts.SkipWaiting
	return w, nil
}

// ID 返回 worker 实例的唯一标识。
func (w *Worker) ID() string { return w.id }

// Version 返回 worker 版本号。
func (w *Worker) Version() string { return w.version }

// Buckets 返回当前版本的 bucket 名称。
func (w *Worker) Buckets() cache.Buckets { return w.buckets }

// Router 返回 worker 使用的请求路由。
func (w *Worker) Router() *Router { return w.router }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// OnStateChange 订阅状态变化，回调在状态切换的调用栈上同步执行。
func (w *Worker) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	if w.state == state || w.state == StateRedundant {
		w.mu.Unlock()
		return
	}
	w.state = state
	listeners := append([]func(State){}, w.listeners...)
	w.mu.Unlock()

	if state == StateRedundant {
		w.router.retire()
	}

	w.logger.WithFields(logrus.Fields{
		"action":    "worker_state",
		"version":   w.version,
		"worker_id": w.id,
		"state":     string(state),
	}).Info("worker_state_changed")

	for _, fn := range listeners {
		fn(state)
	}
}

// SkipWaiting 请求跳过等待期；若 worker 已处于等待状态则立即激活。
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipWaiting = true
	state := w.state
	reg := w.reg
	w.mu.Unlock()

	if state != StateInstalled || reg == nil {
		return nil
	}
	return reg.activateWaiting(ctx, w)
}

func (w *Worker) skipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

func (w *Worker) attach(reg *Registration) {
	w.mu.Lock()
	w.reg = reg
	w.mu.Unlock()
}

// HandleFetch 将 fetch 事件交给 Router；已被取代的 worker 拒绝处理。
func (w *Worker) HandleFetch(ctx context.Context, req *Request, keep KeepAlive) (*Response, error) {
	if w.State() == StateRedundant {
		return nil, ErrRedundant
	}
	return w.router.Route(ctx, req, keep)
}

// HandleMessage 处理 UI 层的控制消息，目前只识别强制更新。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	if !msg.ForceUpdate() {
		w.logger.WithFields(logrus.Fields{
			"action":  "message",
			"version": w.version,
			"type":    string(msg.Type),
		}).Debug("message_ignored")
		return nil
	}
	return w.SkipWaiting(ctx)
}

func (w *Worker) handleInstall(ev *ExtendableEvent) {
	if w.autoSkip {
		_ = w.SkipWaiting(ev.Context())
	}
	ev.WaitUntil(w.precache)
}

// precache 并发抓取全部清单 URL，全部成功后才写入 static bucket；
// 任何一个失败都不提交，写入中途失败则回滚本次写入。
func (w *Worker) precache(ctx context.Context) error {
	responses := make([]*Response, len(w.manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range w.manifest {
		group.Go(func() error {
			req := &Request{
				Method: http.MethodGet,
				URL:    target,
				Mode:   ModeNoCORS,
				Header: http.Header{},
			}
			resp, err := w.network.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	existed, err := w.store.Has(ctx, w.buckets.Static)
	if err != nil {
		return fmt.Errorf("check %s: %w", w.buckets.Static, err)
	}
	bucket, err := w.store.Open(ctx, w.buckets.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", w.buckets.Static, err)
	}
	var written []precacheWrite
	for i, target := range w.manifest {
		key := cache.NewRequestKey(http.MethodGet, target.String())
		write := precacheWrite{key: key}
		if existed {
			prev, err := bucket.Match(ctx, key)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				w.rollbackPrecache(ctx, bucket, existed, written)
				return fmt.Errorf("snapshot %s: %w", key, err)
			}
			write.previous = prev
		}
		if err := bucket.Put(ctx, key, responses[i].Snapshot()); err != nil {
			w.rollbackPrecache(ctx, bucket, existed, written)
			return fmt.Errorf("store %s: %w", key, err)
		}
		written = append(written, write)
	}

	w.logger.WithFields(logrus.Fields{
		"action":  "precache",
		"version": w.version,
		"bucket":  w.buckets.Static,
		"entries": len(w.manifest),
	}).Info("precache_complete")
	return nil
}

type precacheWrite struct {
	key      cache.RequestKey
	previous *cache.StoredResponse
}

// rollbackPrecache 撤销本次安装的写入。bucket 是本次新建的就整体删除；
// 否则只恢复被覆盖的条目，当前控制者可能正在用同名 bucket 提供服务。
func (w *Worker) rollbackPrecache(ctx context.Context, bucket cache.Bucket, existed bool, written []precacheWrite) {
	ctx = context.WithoutCancel(ctx)
	if !existed {
		if _, err := w.store.Delete(ctx, w.buckets.Static); err != nil {
			w.logger.WithError(err).WithField("bucket", w.buckets.Static).Warn("precache_rollback_failed")
		}
		return
	}
	for i := len(written) - 1; i >= 0; i-- {
		write := written[i]
		var err error
		if write.previous != nil {
			err = bucket.Put(ctx, write.key, write.previous)
		} else {
			_, err = bucket.Delete(ctx, write.key)
		}
		if err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"bucket": w.buckets.Static,
				"key":    write.key.String(),
			}).Warn("precache_rollback_failed")
		}
	}
}

func (w *Worker) handleActivate(ev *ExtendableEvent) {
	ev.WaitUntil(w.deleteStaleBuckets)
}

// deleteStaleBuckets 删除不属于当前版本的全部 bucket。
func (w *Worker) deleteStaleBuckets(ctx context.Context) error {
	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	var errs []error
	for _, name := range names {
		if w.buckets.Current(name) {
			continue
		}
		if _, err := w.store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		w.logger.WithFields(logrus.Fields{
			"action":  "activate",
			"version": w.version,
			"bucket":  name,
		}).Info("stale_bucket_deleted")
	}
	return errors.Join(errs...)
}
