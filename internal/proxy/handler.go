package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/server"
)

// 诊断响应头，标记本次拦截使用的策略与是否命中缓存。
const (
	HeaderStrategy = "X-Cache-Coordinator-Strategy"
	HeaderCacheHit = "X-Cache-Coordinator-Cache-Hit"
	HeaderClientID = "X-Client-ID"
)

// Handler 把 Fiber 请求转换为拦截请求交给协调器，再把结果写回页面。
type Handler struct {
	coordinator *agent.Coordinator
	logger      *logrus.Logger
}

// NewHandler constructs a fetch handler bound to the coordinator.
func NewHandler(coordinator *agent.Coordinator, logger *logrus.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// Handle 执行一次拦截；网络与缓存均不可用时返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := h.buildRequest(c)
	result, err := h.coordinator.Fetch(ctx, req)
	if err != nil || result == nil || result.Response == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		h.logResult(req, result, requestID, fiber.StatusBadGateway, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "network_unavailable"})
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderStrategy, string(result.Strategy))
	c.Set(HeaderCacheHit, strconv.FormatBool(result.CacheHit()))
	c.Status(resp.Status)
	h.logResult(req, result, requestID, resp.Status, started, nil)
	return c.Send(resp.Body)
}

// buildRequest 还原页面请求的绝对 URL：直连域名保持原主机，其余请求指向源站。
func (h *Handler) buildRequest(c fiber.Ctx) *agent.Request {
	uri := c.Request().URI()
	path := string(uri.Path())
	if path == "" {
		path = "/"
	}
	query := string(uri.QueryString())

	host := requestHost(c)
	var target string
	if host != "" && h.coordinator.Router().IsBypassHost(host) {
		target = "https://" + host + path
	} else {
		target = h.coordinator.Origin() + path
	}
	if query != "" {
		target += "?" + query
	}

	header := fiberHeadersAsHTTP(c)
	forwarded := http.Header{}
	server.CopyHeaders(forwarded, header)
	forwarded.Del("Host")
	forwarded.Del("Content-Length")

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &agent.Request{
		Method:      c.Method(),
		URL:         target,
		Header:      forwarded,
		Body:        body,
		Mode:        header.Get("Sec-Fetch-Mode"),
		Destination: header.Get("Sec-Fetch-Dest"),
		ClientID:    header.Get(HeaderClientID),
	}
}

// requestHost 优先取 URI 中的主机：代理流量的请求行是绝对地址，此时 Host 头为空。
func requestHost(c fiber.Ctx) string {
	if host := string(c.Request().URI().Host()); host != "" {
		return host
	}
	return string(c.Request().Header.Host())
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func (h *Handler) logResult(
	req *agent.Request,
	result *agent.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	strategy, generation, cacheHit := "", "", false
	if result != nil {
		strategy = string(result.Strategy)
		generation = result.Generation
		cacheHit = result.CacheHit()
	}
	fields := logging.RequestFields(req.Method, req.URL, strategy, generation, cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
