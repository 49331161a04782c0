package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FetchHandler describes the component that answers every intercepted page
// request. It allows injecting fake handlers during tests.
type FetchHandler interface {
	Handle(fiber.Ctx) error
}

// FetchHandlerFunc adapts a function to the FetchHandler interface.
type FetchHandlerFunc func(fiber.Ctx) error

// Handle makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    FetchHandler
	ListenPort int
}

const contextKeyRequestID = "_coordinator_request_id"

// NewApp builds a Fiber application with request-id middleware, panic
// recovery and a catch-all route that sends page traffic to the handler.
// Paths under /-/ are reserved for diagnostics and control routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if IsControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Handler.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成 X-Request-ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 统一输出 JSON 错误体，并为 5xx 记录日志。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "http_error",
				"path":       string(c.Request().URI().Path()),
				"request_id": RequestID(c),
			}).Error("request failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsControlPath 判断路径是否属于 /-/ 诊断与控制接口。
func IsControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
