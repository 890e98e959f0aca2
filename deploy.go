package main

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/config"
)

// deployer 把 Agent 配置转换为 worker 并注册；版本号与预缓存清单不变时不重复注册。
type deployer struct {
	store   cache.Store
	network agent.Network
	reg     *agent.Registration
	logger  *logrus.Logger

	mu          sync.Mutex
	fingerprint string
}

func newDeployer(store cache.Store, network agent.Network, reg *agent.Registration, logger *logrus.Logger) *deployer {
	return &deployer{store: store, network: network, reg: reg, logger: logger}
}

// deploy 注册 cfg 描述的版本。安装失败时不记录 fingerprint，下次调用会重试。
func (d *deployer) deploy(ctx context.Context, cfg config.AgentConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fingerprint := cfg.Fingerprint()
	if fingerprint == d.fingerprint {
		d.logger.WithFields(logrus.Fields{
			"action":  "deploy",
			"version": cfg.Version,
		}).Debug("deploy_unchanged")
		return nil
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	worker, err := agent.NewWorker(d.store, d.network, d.logger, agent.WorkerOptions{
		Version:         cfg.Version,
		Origin:          origin,
		Precache:        cfg.Precache,
		OfflinePage:     cfg.OfflinePage,
		ImagePathPrefix: cfg.ImagePathPrefix,
		ImageCacheLimit: cfg.ImageCacheLimit,
		SkipWaiting:     cfg.SkipWaiting,
	})
	if err != nil {
		return err
	}
	if err := d.reg.Register(ctx, worker); err != nil {
		return err
	}
	d.fingerprint = fingerprint
	return nil
}
