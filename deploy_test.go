package main

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/config"
)

func TestDeployerRegistersOnlyOnChange(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var fetches atomic.Int64
	var offline atomic.Bool
	network := agent.NetworkFunc(func(ctx context.Context, req *agent.Request) (*agent.Response, error) {
		fetches.Add(1)
		if offline.Load() {
			return nil, io.ErrUnexpectedEOF
		}
		return &agent.Response{Type: agent.ResponseBasic, Status: http.StatusOK, Header: http.Header{}, Source: agent.SourceNetwork}, nil
	})
	store := cache.NewMemoryStore()
	reg := agent.NewRegistration(network, logger)
	d := newDeployer(store, network, reg, logger)
	ctx := context.Background()

	cfg := config.AgentConfig{
		Version:     "v1",
		Origin:      "https://app.local",
		SkipWaiting: true,
		Precache:    []string{"/", "/offline.html"},
	}
	if err := d.deploy(ctx, cfg); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	first := reg.Controller()
	if first == nil || first.Version() != "v1" {
		t.Fatalf("v1 should control the page")
	}

	if err := d.deploy(ctx, cfg); err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if reg.Controller() != first || fetches.Load() != 2 {
		t.Fatalf("unchanged config must not register a new worker")
	}

	cfg.Version = "v2"
	offline.Store(true)
	if err := d.deploy(ctx, cfg); err == nil {
		t.Fatalf("offline install should fail")
	}
	offline.Store(false)
	if err := d.deploy(ctx, cfg); err != nil {
		t.Fatalf("retry deploy v2: %v", err)
	}
	if got := reg.Controller().Version(); got != "v2" {
		t.Fatalf("v2 should control the page after retry, got %s", got)
	}
}
