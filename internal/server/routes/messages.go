package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
)

// HeaderClientID 标识发送消息的页面，与事件流 connected 事件中的 clientId 对应。
const HeaderClientID = "X-Client-ID"

// RegisterMessageRoutes 暴露页面消息、推送、通知点击与周期同步入口。
func RegisterMessageRoutes(app *fiber.App, coordinator *agent.Coordinator) {
	if app == nil || coordinator == nil {
		return
	}

	app.Post("/-/sw/messages", func(c fiber.Ctx) error {
		cmd, err := agent.DecodeCommand(c.Body())
		if err != nil {
			code := "invalid_message"
			if errors.Is(err, agent.ErrUnknownMessage) {
				code = "unknown_message"
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
		}
		from := strings.TrimSpace(c.Get(HeaderClientID))

		if _, ok := cmd.(agent.ClearCache); ok {
			reply := make(chan agent.Reply, 1)
			if err := coordinator.Dispatch(c.Context(), from, cmd, reply); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
			}
			return c.JSON(<-reply)
		}

		if err := coordinator.Dispatch(c.Context(), from, cmd, nil); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	})

	app.Post("/-/sw/push", func(c fiber.Ctx) error {
		notification, err := coordinator.Push(c.Context(), c.Body())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "push_failed"})
		}
		return c.Status(fiber.StatusCreated).JSON(notification)
	})

	app.Post("/-/sw/notifications/:id/click", func(c fiber.Ctx) error {
		result, err := coordinator.NotificationClick(c.Context(), c.Params("id"))
		switch {
		case errors.Is(err, agent.ErrNotificationNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "click_failed"})
		}
		return c.JSON(result)
	})

	app.Post("/-/sw/sync", func(c fiber.Ctx) error {
		var req syncRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_sync"})
		}
		err := coordinator.Sync(c.Context(), req.Tag)
		switch {
		case errors.Is(err, agent.ErrUnknownSyncTag):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_sync_tag"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	})
}

type syncRequest struct {
	Tag string `json:"tag"`
}
