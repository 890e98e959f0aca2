package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registration 扮演宿主平台：最多持有一个 installing、一个 waiting 与一个 controller，
// 串行执行注册/激活任务，并把 fetch 与消息分发给对应的 worker。
type Registration struct {
	network  Network
	logger   *logrus.Logger
	lifetime *Lifetime

	jobs sync.Mutex

	mu               sync.RWMutex
	installing       *Worker
	waiting          *Worker
	controller       *Worker
	updateFound      []func(*Worker)
	controllerChange []func(*Worker)
}

// NewRegistration 构造 Registration；network 用于没有 controller 时的直通请求。
func NewRegistration(network Network, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{
		network:  network,
		logger:   logger,
		lifetime: NewLifetime(logger),
	}
}

// Lifetime 返回后台任务的保活跟踪器。
func (r *Registration) Lifetime() *Lifetime {
	return r.lifetime
}

// OnUpdateFound 订阅新 worker 开始安装的事件。
func (r *Registration) OnUpdateFound(fn func(*Worker)) {
	r.mu.Lock()
	r.updateFound = append(r.updateFound, fn)
	r.mu.Unlock()
}

// OnControllerChange 订阅 controller 切换事件。
func (r *Registration) OnControllerChange(fn func(*Worker)) {
	r.mu.Lock()
	r.controllerChange = append(r.controllerChange, fn)
	r.mu.Unlock()
}

// Controller 返回当前控制页面的 worker，首次安装完成前为 nil。
func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// Waiting 返回已安装但尚未激活的 worker。
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Installing 返回正在安装的 worker。
func (r *Registration) Installing() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

// Register 安装 w；安装失败时 w 变为 redundant 并返回 ErrInstallFailed。
// 请求了跳过等待或当前没有 controller 时，安装完成后立即激活。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	if w.State() != StateParsed {
		return fmt.Errorf("worker %s already registered (state %s)", w.Version(), w.State())
	}

	r.jobs.Lock()
	defer r.jobs.Unlock()

	w.attach(r)
	r.mu.Lock()
	r.installing = w
	listeners := append([]func(*Worker){}, r.updateFound...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(w)
	}

	w.setState(StateInstalling)
	ev := newExtendableEvent(ctx)
	w.handleInstall(ev)
	if err := ev.settle(); err != nil {
		r.mu.Lock()
		if r.installing == w {
			r.installing = nil
		}
		r.mu.Unlock()
		w.setState(StateRedundant)
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "install",
			"version": w.Version(),
		}).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	r.mu.Lock()
	previous := r.waiting
	r.installing = nil
	r.waiting = w
	hasController := r.controller != nil
	r.mu.Unlock()
	if previous != nil {
		previous.setState(StateRedundant)
	}
	w.setState(StateInstalled)

	if w.skipWaitingRequested() || !hasController {
		return r.activateLocked(ctx, w)
	}
	r.logger.WithFields(logrus.Fields{
		"action":  "install",
		"version": w.Version(),
	}).Info("worker_waiting")
	return nil
}

// activateWaiting 由 SkipWaiting 触发，激活仍在等待的 w。
func (r *Registration) activateWaiting(ctx context.Context, w *Worker) error {
	r.jobs.Lock()
	defer r.jobs.Unlock()
	return r.activateLocked(ctx, w)
}

// activateLocked 需持有 jobs 锁。清理过期 bucket 后接管页面，旧 controller 变为 redundant。
func (r *Registration) activateLocked(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.waiting != w || w.State() != StateInstalled {
		r.mu.Unlock()
		return nil
	}
	r.waiting = nil
	r.mu.Unlock()

	// 激活一旦开始就要完成清理，不随发起请求取消
	ctx = context.WithoutCancel(ctx)
	w.setState(StateActivating)
	ev := newExtendableEvent(ctx)
	w.handleActivate(ev)
	if err := ev.settle(); err != nil {
		// 激活阶段的清理失败不阻止接管
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "activate",
			"version": w.Version(),
		}).Warn("activate_cleanup_failed")
	}

	previous := r.claim(w)
	w.setState(StateActivated)
	if previous != nil && previous != w {
		previous.setState(StateRedundant)
		// 旧 controller 退役前的后台写入可能重建了过期 bucket
		if err := w.deleteStaleBuckets(ctx); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action":  "activate",
				"version": w.Version(),
			}).Warn("activate_cleanup_failed")
		}
	}
	return nil
}

// claim 让 w 成为 controller，已打开的页面从此由 w 服务。
func (r *Registration) claim(w *Worker) *Worker {
	r.mu.Lock()
	previous := r.controller
	r.controller = w
	listeners := append([]func(*Worker){}, r.controllerChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(w)
	}
	return previous
}

// Dispatch 把 fetch 事件交给 controller；没有 controller 时直接访问网络。
// 读取 controller 后恰好被新版本接管时，改由新的 controller 重试一次。
func (r *Registration) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	controller := r.Controller()
	if controller == nil {
		if r.network == nil {
			return nil, errors.New("no controller and no network")
		}
		return r.network.Fetch(ctx, req)
	}
	return r.dispatchTo(ctx, controller, req)
}

func (r *Registration) dispatchTo(ctx context.Context, controller *Worker, req *Request) (*Response, error) {
	resp, err := controller.HandleFetch(ctx, req, r.lifetime)
	if errors.Is(err, ErrRedundant) {
		if current := r.Controller(); current != nil && current != controller {
			return current.HandleFetch(ctx, req, r.lifetime)
		}
	}
	return resp, err
}

// PostMessage 把控制消息投递给等待中的 worker 与 controller。
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.mu.RLock()
	targets := make([]*Worker, 0, 2)
	if r.waiting != nil {
		targets = append(targets, r.waiting)
	}
	if r.controller != nil {
		targets = append(targets, r.controller)
	}
	r.mu.RUnlock()

	var errs []error
	for _, w := range targets {
		if err := w.HandleMessage(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
