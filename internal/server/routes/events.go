package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
)

// DefaultHeartbeat 是事件流的保活注释间隔。
const DefaultHeartbeat = 25 * time.Second

// RegisterEventRoutes 暴露 /-/sw/events：页面以 SSE 订阅广播，连接即登记为一个客户端。
func RegisterEventRoutes(app *fiber.App, coordinator *agent.Coordinator, logger *logrus.Logger, heartbeat time.Duration) {
	if app == nil || coordinator == nil {
		return
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	app.Get("/-/sw/events", func(c fiber.Ctx) error {
		pageURL := c.Query("url")
		if pageURL == "" {
			pageURL = coordinator.Origin() + "/"
		}
		client := coordinator.Connect(pageURL)

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		// 写入函数在 handler 返回后执行，不能再使用请求上下文。
		return c.SendStreamWriter(func(w *bufio.Writer) {
			err := streamEvents(w, client, heartbeat)
			coordinator.Disconnect(context.Background(), client.ID)
			if err != nil && logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"action":    "event_stream",
					"client_id": client.ID,
				}).Debug("event stream closed")
			}
		})
	})
}

// streamEvents 先发送 connected 事件，之后转发 outbox 中的消息；
// outbox 关闭时返回 nil，写入失败（页面断开）时返回错误。
func streamEvents(w *bufio.Writer, client *agent.Client, heartbeat time.Duration) error {
	hello, err := json.Marshal(map[string]string{"clientId": client.ID})
	if err != nil {
		return err
	}
	if err := writeEvent(w, "connected", hello); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbox():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := writeEvent(w, "message", payload); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w *bufio.Writer, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}
