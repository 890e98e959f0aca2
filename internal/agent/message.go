package agent

import "strings"

// MessageType 是 UI 层发送给 agent 的控制消息类型。
type MessageType string

const (
	// MessageForceUpdate 要求等待中的新版本立即激活。
	MessageForceUpdate MessageType = "force-update"
	// messageSkipWaiting 兼容旧版页面脚本发送的消息类型。
	messageSkipWaiting MessageType = "SKIP_WAITING"
)

// Message 对应 postMessage 的 {type: "..."} 载荷。
type Message struct {
	Type MessageType `json:"type"`
}

// ForceUpdate 判断消息是否为强制更新请求。
func (m Message) ForceUpdate() bool {
	t := MessageType(strings.TrimSpace(string(m.Type)))
	return t == MessageForceUpdate || t == messageSkipWaiting
}
