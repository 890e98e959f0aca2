package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/any-hub/sw-agent/internal/config"
)

func TestNewStoreSelectsDriver(t *testing.T) {
	for _, driver := range []string{config.StoreDriverMemory, config.StoreDriverDisk, config.StoreDriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{Global: config.GlobalConfig{
				StoreDriver: driver,
				StoragePath: filepath.Join(t.TempDir(), "storage"),
			}}
			store, err := NewStore(cfg)
			if err != nil {
				t.Fatalf("NewStore(%s): %v", driver, err)
			}
			defer store.Close()
			if _, err := store.Open(context.Background(), "static-v1"); err != nil {
				t.Fatalf("open bucket: %v", err)
			}
		})
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Global: config.GlobalConfig{StoreDriver: "redis"}}
	if _, err := NewStore(cfg); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}
