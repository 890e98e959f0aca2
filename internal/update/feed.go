package update

import "sync"

const defaultFeedLimit = 32

// Feed 是保存在内存中的 Sink，供控制端点轮询最近的提示。
type Feed struct {
	mu      sync.RWMutex
	limit   int
	signals []Signal
}

// NewFeed 构造最多保留 limit 条提示的 Feed，limit <= 0 时使用默认值。
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	return &Feed{limit: limit}
}

// Notify 追加一条提示，超出上限时丢弃最旧的。
func (f *Feed) Notify(s Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	if over := len(f.signals) - f.limit; over > 0 {
		f.signals = append([]Signal(nil), f.signals[over:]...)
	}
}

// Signals 返回按时间顺序排列的提示副本。
func (f *Feed) Signals() []Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Signal{}, f.signals...)
}

// Latest 返回最近一条提示。
func (f *Feed) Latest() (Signal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.signals) == 0 {
		return Signal{}, false
	}
	return f.signals[len(f.signals)-1], true
}
