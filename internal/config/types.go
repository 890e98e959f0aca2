package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	StoreDriverMemory = "memory"
	StoreDriverDisk   = "disk"
	StoreDriverSQLite = "sqlite"
)

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoreDriver     string   `mapstructure:"StoreDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// AgentConfig 描述当前部署的 agent 版本及其缓存策略参数。
type AgentConfig struct {
	Version         string   `mapstructure:"Version"`
	Origin          string   `mapstructure:"Origin"`
	Upstream        string   `mapstructure:"Upstream"`
	OfflinePage     string   `mapstructure:"OfflinePage"`
	ImagePathPrefix string   `mapstructure:"ImagePathPrefix"`
	ImageCacheLimit int      `mapstructure:"ImageCacheLimit"`
	SkipWaiting     bool     `mapstructure:"SkipWaiting"`
	Precache        []string `mapstructure:"Precache"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// OriginURL 返回解析后的页面 origin（假定 Validate 已经通过）。
func (a AgentConfig) OriginURL() (*url.URL, error) {
	return url.Parse(a.Origin)
}

// UpstreamURL 返回同源请求实际回源的地址，未配置时为 nil。
func (a AgentConfig) UpstreamURL() (*url.URL, error) {
	if strings.TrimSpace(a.Upstream) == "" {
		return nil, nil
	}
	return url.Parse(a.Upstream)
}

// Fingerprint 汇总决定 worker 内容的字段，配置热加载时据此判断是否需要注册新版本。
func (a AgentConfig) Fingerprint() string {
	return a.Version + "|" + strings.Join(a.Precache, ",")
}
