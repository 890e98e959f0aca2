// Package update 把 worker 生命周期事件转换为面向 UI 的更新提示。
package update

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/logging"
)

// Kind 是提示类型。
type Kind string

// KindUpdateAvailable 表示有新版本已安装并等待激活或即将接管页面。
const KindUpdateAvailable Kind = "update-available"

// Signal 是发送给 UI 的一次提示。
type Signal struct {
	Kind     Kind      `json:"kind"`
	Version  string    `json:"version"`
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`
}

// Sink 接收 Bridge 产出的提示，实现不得在 Notify 中同步回调 Registration。
type Sink interface {
	Notify(Signal)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Signal)

// Notify makes SinkFunc satisfy Sink.
func (f SinkFunc) Notify(s Signal) { f(s) }

// Bridge 订阅 updatefound 并跟踪安装中 worker 的状态：已有 controller 时安装完成即提示更新，
// 否则只记录首次缓存完成。Bridge 不会激活 worker 或刷新页面。
type Bridge struct {
	reg    *agent.Registration
	sink   Sink
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	notified map[string]struct{}
}

// NewBridge 构造 Bridge 并立即挂到 reg 上。
func NewBridge(reg *agent.Registration, sink Sink, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Bridge{
		reg:      reg,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		notified: make(map[string]struct{}),
	}
	reg.OnUpdateFound(b.handleUpdateFound)
	reg.OnControllerChange(b.handleControllerChange)
	return b
}

func (b *Bridge) handleUpdateFound(w *agent.Worker) {
	b.logger.WithFields(logging.WorkerFields(w.ID(), w.Version())).
		WithField("action", "update_found").Info("update_found")
	w.OnStateChange(func(state agent.State) {
		if state == agent.StateInstalled {
			b.handleInstalled(w)
		}
	})
}

func (b *Bridge) handleInstalled(w *agent.Worker) {
	fields := logging.WorkerFields(w.ID(), w.Version())
	controller := b.reg.Controller()
	if controller == nil || controller == w {
		fields["action"] = "first_install"
		b.logger.WithFields(fields).Info("content cached for offline use")
		return
	}

	b.mu.Lock()
	if _, seen := b.notified[w.ID()]; seen {
		b.mu.Unlock()
		return
	}
	b.notified[w.ID()] = struct{}{}
	b.mu.Unlock()

	fields["action"] = "update_available"
	fields["controller_version"] = controller.Version()
	b.logger.WithFields(fields).Info("update_available")
	if b.sink != nil {
		b.sink.Notify(Signal{
			Kind:     KindUpdateAvailable,
			Version:  w.Version(),
			WorkerID: w.ID(),
			At:       b.now().UTC(),
		})
	}
}

func (b *Bridge) handleControllerChange(w *agent.Worker) {
	fields := logging.WorkerFields(w.ID(), w.Version())
	fields["action"] = "controller_change"
	b.logger.WithFields(fields).Info("controller_changed")
}
