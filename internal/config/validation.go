package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	switch strings.ToLower(strings.TrimSpace(g.StoreDriver)) {
	case StoreDriverMemory:
	case StoreDriverDisk, StoreDriverSQLite:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	default:
		return newFieldError("Global.StoreDriver", "仅支持 memory/disk/sqlite")
	}
	c.Global.StoreDriver = strings.ToLower(strings.TrimSpace(g.StoreDriver))
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ShutdownTimeout.DurationValue() < 0 {
		return newFieldError("Global.ShutdownTimeout", "不能为负数")
	}

	return c.Agent.validate()
}

func (a *AgentConfig) validate() error {
	a.Version = strings.TrimSpace(a.Version)
	if a.Version == "" {
		return newFieldError(agentField("Version"), "不能为空")
	}
	if strings.ContainsAny(a.Version, `/\ `) {
		return newFieldError(agentField("Version"), "不允许包含路径分隔符或空格")
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", agentField("Origin"), err)
	}
	if a.Upstream != "" {
		if err := validateUpstream(a.Upstream); err != nil {
			return fmt.Errorf("%s: %w", agentField("Upstream"), err)
		}
	}
	if !strings.HasPrefix(a.OfflinePage, "/") {
		return newFieldError(agentField("OfflinePage"), "必须以 / 开头")
	}
	if !strings.HasPrefix(a.ImagePathPrefix, "/") {
		return newFieldError(agentField("ImagePathPrefix"), "必须以 / 开头")
	}
	if a.ImageCacheLimit <= 0 {
		return newFieldError(agentField("ImageCacheLimit"), "必须大于 0")
	}
	for i, entry := range a.Precache {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(fmt.Sprintf("%s[%d]", agentField("Precache"), i), "必须是以 / 开头的站内路径")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("Origin 不应包含路径: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
