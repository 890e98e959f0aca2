package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/update"
)

type diagnosticsFixture struct {
	app   *fiber.App
	reg   *agent.Registration
	store cache.Store
	v2    *agent.Worker
}

func newDiagnosticsFixture(t *testing.T) *diagnosticsFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	network := agent.NetworkFunc(func(ctx context.Context, req *agent.Request) (*agent.Response, error) {
		return &agent.Response{
			Type:   agent.ResponseBasic,
			Status: http.StatusOK,
			Header: http.Header{},
			Body:   []byte("asset"),
			Source: agent.SourceNetwork,
		}, nil
	})
	store := cache.NewMemoryStore()
	reg := agent.NewRegistration(network, logger)
	feed := update.NewFeed(0)
	update.NewBridge(reg, feed, logger)

	origin, _ := url.Parse("https://app.local")
	newWorker := func(version string, skip bool) *agent.Worker {
		w, err := agent.NewWorker(store, network, logger, agent.WorkerOptions{
			Version:     version,
			Origin:      origin,
			Precache:    []string{"/", "/offline.html"},
			SkipWaiting: skip,
		})
		if err != nil {
			t.Fatalf("NewWorker: %v", err)
		}
		return w
	}
	if err := reg.Register(context.Background(), newWorker("v1", true)); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	v2 := newWorker("v2", false)
	if err := reg.Register(context.Background(), v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	app := fiber.New()
	RegisterDiagnosticsRoutes(app, reg, store, feed)
	return &diagnosticsFixture{app: app, reg: reg, store: store, v2: v2}
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		t.Fatalf("decode body %s: %v", string(body), err)
	}
}

func TestStatusReportsControllerAndWaiting(t *testing.T) {
	fx := newDiagnosticsFixture(t)

	resp, err := fx.app.Test(httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload statusPayload
	decodeBody(t, resp, &payload)
	if payload.Controller == nil || payload.Controller.Version != "v1" || payload.Controller.State != "activated" {
		t.Fatalf("unexpected controller: %+v", payload.Controller)
	}
	if payload.Waiting == nil || payload.Waiting.Version != "v2" || payload.Waiting.Static != "static-v2" {
		t.Fatalf("unexpected waiting: %+v", payload.Waiting)
	}
	if payload.Installing != nil {
		t.Fatalf("no worker should be installing")
	}
}

func TestBucketsReportsEntryCounts(t *testing.T) {
	fx := newDiagnosticsFixture(t)

	resp, err := fx.app.Test(httptest.NewRequest(http.MethodGet, "/-/buckets", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Buckets []bucketPayload `json:"buckets"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Buckets) != 2 {
		t.Fatalf("expected static-v1 and static-v2, got %+v", payload.Buckets)
	}
	for _, b := range payload.Buckets {
		if b.Entries != 2 {
			t.Fatalf("bucket %s should hold the manifest, got %d", b.Name, b.Entries)
		}
	}
}

func TestUpdatesListsSignals(t *testing.T) {
	fx := newDiagnosticsFixture(t)

	resp, err := fx.app.Test(httptest.NewRequest(http.MethodGet, "/-/updates", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Signals []update.Signal `json:"signals"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Signals) != 1 || payload.Signals[0].Version != "v2" || payload.Signals[0].Kind != update.KindUpdateAvailable {
		t.Fatalf("unexpected signals: %+v", payload.Signals)
	}
}

func TestMessageForceUpdateActivatesWaiting(t *testing.T) {
	fx := newDiagnosticsFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/-/message", bytes.NewBufferString(`{"type":"force-update"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if fx.reg.Controller() != fx.v2 {
		t.Fatalf("force update should activate v2")
	}
	names, err := fx.store.Names(context.Background())
	if err != nil || len(names) != 1 || names[0] != "static-v2" {
		t.Fatalf("stale bucket should be deleted, got %v (%v)", names, err)
	}
}

func TestMessageRejectsInvalidPayload(t *testing.T) {
	fx := newDiagnosticsFixture(t)

	for _, body := range []string{`not json`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/-/message", bytes.NewBufferString(body))
		resp, err := fx.app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, resp.StatusCode)
		}
	}
	if fx.reg.Waiting() != fx.v2 {
		t.Fatalf("invalid messages must not activate")
	}
}

// staleNamesStore 模拟 Names 返回后 bucket 被激活清理的情形。
type staleNamesStore struct {
	cache.Store
	gone string
}

func (s staleNamesStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.Store.Names(ctx)
	if err != nil {
		return nil, err
	}
	return append(names, s.gone), nil
}

func TestBucketsSkipsDeletedBucketWithoutRecreating(t *testing.T) {
	fx := newDiagnosticsFixture(t)
	store := staleNamesStore{Store: fx.store, gone: "runtime-v0"}
	app := fiber.New()
	RegisterDiagnosticsRoutes(app, fx.reg, store, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/buckets", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload struct {
		Buckets []bucketPayload `json:"buckets"`
	}
	decodeBody(t, resp, &payload)
	for _, b := range payload.Buckets {
		if b.Name == "runtime-v0" {
			t.Fatalf("deleted bucket should not be listed: %+v", payload.Buckets)
		}
	}
	exists, err := fx.store.Has(context.Background(), "runtime-v0")
	if err != nil || exists {
		t.Fatalf("listing buckets must not recreate runtime-v0, exists=%v err=%v", exists, err)
	}
}
