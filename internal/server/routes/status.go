package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
	"github.com/surya-abadi/cache-coordinator/internal/cache"
)

// RegisterStatusRoutes 暴露 /-/status 与 /-/sw/cache 诊断接口，供运维查看代际与页面。
func RegisterStatusRoutes(app *fiber.App, coordinator *agent.Coordinator) {
	if app == nil || coordinator == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := coordinator.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Get("/-/sw/cache", func(c fiber.Ctx) error {
		name, keys, err := coordinator.ActiveKeys(c.Context())
		switch {
		case errors.Is(err, agent.ErrNoActiveWorker):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_worker"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(encodeCacheListing(name, keys))
	})
}

type cacheListingPayload struct {
	CacheName string      `json:"cache_name"`
	Count     int         `json:"count"`
	Keys      []cache.Key `json:"keys"`
}

func encodeCacheListing(name string, keys []cache.Key) cacheListingPayload {
	if keys == nil {
		keys = []cache.Key{}
	}
	return cacheListingPayload{CacheName: name, Count: len(keys), Keys: keys}
}
