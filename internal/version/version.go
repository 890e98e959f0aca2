package version

import "fmt"

// Version/Commit 由 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Name 是进程名，用于日志 service 字段与 User-Agent。
const Name = "sw-agent"

// Full 返回 CLI 打印的版本信息。进程版本与 Agent.Version（缓存版本）相互独立。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}

// UserAgent 是 agent 主动发起请求（预缓存等）时携带的 User-Agent。
func UserAgent() string {
	return Name + "/" + Version
}
