package routes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/sw-agent/internal/agent"
	"github.com/any-hub/sw-agent/internal/cache"
	"github.com/any-hub/sw-agent/internal/update"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 下的控制与诊断接口，UI 通过它们发送强制更新并轮询更新提示。
func RegisterDiagnosticsRoutes(app *fiber.App, reg *agent.Registration, store cache.Store, feed *update.Feed) {
	if app == nil || reg == nil || store == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Controller: encodeWorker(reg.Controller()),
			Waiting:    encodeWorker(reg.Waiting()),
			Installing: encodeWorker(reg.Installing()),
		})
	})

	app.Get("/-/buckets", func(c fiber.Ctx) error {
		buckets, err := encodeBuckets(c, store)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(fiber.Map{"buckets": buckets})
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg agent.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(string(msg.Type)) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		// 强制更新触发的激活不随 HTTP 请求结束而中断
		if err := reg.PostMessage(context.WithoutCancel(c.Context()), msg); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"accepted":   true,
			"controller": encodeWorker(reg.Controller()),
		})
	})

	app.Get("/-/updates", func(c fiber.Ctx) error {
		var signals []update.Signal
		if feed != nil {
			signals = feed.Signals()
		}
		if signals == nil {
			signals = []update.Signal{}
		}
		return c.JSON(fiber.Map{"signals": signals})
	})
}

type statusPayload struct {
	Controller *workerPayload `json:"controller"`
	Waiting    *workerPayload `json:"waiting"`
	Installing *workerPayload `json:"installing"`
}

type workerPayload struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
	Static  string `json:"static_bucket"`
	Runtime string `json:"runtime_bucket"`
}

type bucketPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func encodeWorker(w *agent.Worker) *workerPayload {
	if w == nil {
		return nil
	}
	buckets := w.Buckets()
	return &workerPayload{
		ID:      w.ID(),
		Version: w.Version(),
		State:   string(w.State()),
		Static:  buckets.Static,
		Runtime: buckets.Runtime,
	}
}

func encodeBuckets(c fiber.Ctx, store cache.Store) ([]bucketPayload, error) {
	ctx := c.Context()
	names, err := store.Names(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]bucketPayload, 0, len(names))
	for _, name := range names {
		// 只读接口，列出后已被激活清理掉的 bucket 直接跳过，避免 Open 把它重新建出来
		exists, err := store.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		bucket, err := store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, bucketPayload{Name: name, Entries: len(keys)})
	}
	return result, nil
}
