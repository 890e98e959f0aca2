package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/config"
)

const sqliteFileName = "sw-agent.db"

// NewStore 根据 StoreDriver 构造缓存后端。
func NewStore(cfg *config.Config) (cache.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Global.StoreDriver {
	case config.StoreDriverMemory:
		return cache.NewMemoryStore(), nil
	case config.StoreDriverDisk:
		return cache.NewDiskStore(cfg.Global.StoragePath)
	case config.StoreDriverSQLite:
		if err := os.MkdirAll(cfg.Global.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return cache.NewSQLiteStore(filepath.Join(cfg.Global.StoragePath, sqliteFileName))
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Global.StoreDriver)
	}
}
