package update

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
)

const origin = "https://app.local"

func staticNetwork() agent.Network {
	return agent.NetworkFunc(func(ctx context.Context, req *agent.Request) (*agent.Response, error) {
		return &agent.Response{
			Type:   agent.ResponseBasic,
			Status: http.StatusOK,
			Header: http.Header{},
			Body:   []byte(req.URL.Path),
			Source: agent.SourceNetwork,
		}, nil
	})
}

func newWorker(t *testing.T, store cache.Store, version string, skip bool) *agent.Worker {
	t.Helper()
	originURL, _ := url.Parse(origin)
	w, err := agent.NewWorker(store, staticNetwork(), quietLogger(), agent.WorkerOptions{
		Version:     version,
		Origin:      originURL,
		Precache:    []string{"/", "/offline.html"},
		SkipWaiting: skip,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFirstInstallLogsWithoutSignal(t *testing.T) {
	logger, hook := test.NewNullLogger()
	reg := agent.NewRegistration(staticNetwork(), quietLogger())
	feed := NewFeed(0)
	NewBridge(reg, feed, logger)

	if err := reg.Register(context.Background(), newWorker(t, cache.NewMemoryStore(), "v1", true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(feed.Signals()) != 0 {
		t.Fatalf("first install must not raise update-available")
	}
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "content cached for offline use" {
			found = true
		}
	}
	if !found {
		t.Fatalf("first install should be logged")
	}
}

func TestUpdateAvailableOncePerWorker(t *testing.T) {
	store := cache.NewMemoryStore()
	reg := agent.NewRegistration(staticNetwork(), quietLogger())
	feed := NewFeed(0)
	NewBridge(reg, feed, quietLogger())
	ctx := context.Background()

	if err := reg.Register(ctx, newWorker(t, store, "v1", true)); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	v2 := newWorker(t, store, "v2", false)
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	signals := feed.Signals()
	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].Kind != KindUpdateAvailable || signals[0].Version != "v2" || signals[0].WorkerID != v2.ID() {
		t.Fatalf("unexpected signal: %+v", signals[0])
	}

	if err := reg.PostMessage(ctx, agent.Message{Type: agent.MessageForceUpdate}); err != nil {
		t.Fatalf("force update: %v", err)
	}
	if reg.Controller() != v2 {
		t.Fatalf("force update should activate v2")
	}
	if len(feed.Signals()) != 1 {
		t.Fatalf("activation must not raise another signal")
	}
}

func TestUpdateAvailableWithSkipWaiting(t *testing.T) {
	store := cache.NewMemoryStore()
	reg := agent.NewRegistration(staticNetwork(), quietLogger())
	var got []Signal
	NewBridge(reg, SinkFunc(func(s Signal) { got = append(got, s) }), quietLogger())
	ctx := context.Background()

	if err := reg.Register(ctx, newWorker(t, store, "v1", true)); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := reg.Register(ctx, newWorker(t, store, "v2", true)); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if len(got) != 1 || got[0].Version != "v2" {
		t.Fatalf("expected update-available for v2, got %+v", got)
	}
}

func TestFeedKeepsNewest(t *testing.T) {
	feed := NewFeed(2)
	for _, v := range []string{"v1", "v2", "v3"} {
		feed.Notify(Signal{Kind: KindUpdateAvailable, Version: v})
	}
	signals := feed.Signals()
	if len(signals) != 2 || signals[0].Version != "v2" {
		t.Fatalf("feed should keep newest entries, got %+v", signals)
	}
	latest, ok := feed.Latest()
	if !ok || latest.Version != "v3" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}
