package agent

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// KeepAlive 是传入 fetch 处理流程的保活令牌：登记的后台任务在响应返回后继续执行，
// 不随请求 context 取消。
type KeepAlive interface {
	Extend(ctx context.Context, action string, fn func(ctx context.Context) error)
}

// Lifetime 跟踪所有后台任务，宿主在退出前通过 Wait 等待它们结束。
type Lifetime struct {
	logger *logrus.Logger
	wg     sync.WaitGroup
}

// NewLifetime 构造 Lifetime；logger 为空时使用 logrus 标准 logger。
func NewLifetime(logger *logrus.Logger) *Lifetime {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Lifetime{logger: logger}
}

// Extend 在独立 goroutine 中执行 fn。fn 的错误只记录日志，维护任务不影响已返回的响应。
func (l *Lifetime) Extend(ctx context.Context, action string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := fn(detached); err != nil {
			l.logger.WithError(err).WithField("action", action).Warn("background_task_failed")
		}
	}()
}

// Wait 等待全部已登记的任务完成，ctx 结束时提前返回 ctx.Err()。
func (l *Lifetime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtendableEvent 是 install/activate 事件：处理函数通过 WaitUntil 登记异步任务，
// 事件在全部任务结束后才算完成，任一任务失败即事件失败。
type ExtendableEvent struct {
	ctx   context.Context
	group errgroup.Group
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx}
}

// Context 返回事件所属的 context。
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil 登记一个延长事件生命周期的任务。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return fn(e.ctx)
	})
}

// settle 等待全部任务结束并返回第一个错误。
func (e *ExtendableEvent) settle() error {
	return e.group.Wait()
}
