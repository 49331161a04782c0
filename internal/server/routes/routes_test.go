package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/config"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

const testOrigin = "https://absensi.surya-abadi.test"

type versionNetwork struct {
	mu      sync.Mutex
	offline bool
}

func (n *versionNetwork) Fetch(_ context.Context, req *agent.Request) (*agent.Response, error) {
	n.mu.Lock()
	offline := n.offline
	n.mu.Unlock()
	if offline {
		return nil, errors.New("offline")
	}
	body := []byte("body of " + req.URL)
	if strings.HasSuffix(req.URL, "/api/version") {
		body = []byte(`{"version":"v1.0.3"}`)
	}
	return &agent.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   body,
		Type:   cache.ResponseTypeBasic,
		URL:    req.URL,
	}, nil
}

type routeEnv struct {
	app         *fiber.App
	coordinator *agent.Coordinator
	opener      *agent.RecordingOpener
	metrics     *metrics.Collector
}

func newRouteEnv(t *testing.T, install bool) *routeEnv {
	t.Helper()

	logger := logging.Discard()
	collector := metrics.New()
	opener := &agent.RecordingOpener{Logger: logger}
	coordinator, err := agent.New(agent.Options{
		Origin:               testOrigin,
		Prefix:               "surya-abadi",
		APIMarker:            "/api/",
		BypassHosts:          config.DefaultBypassHosts(),
		VersionEndpoint:      "/api/version",
		SkipWaitingOnInstall: true,
		OutboxSize:           8,
		DefaultTitle:         "Surya Abadi",
		DefaultBody:          "Ada pembaruan baru",
	}, agent.Dependencies{
		Storage: cache.NewMemoryStorage(),
		Network: &versionNetwork{},
		Opener:  opener,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	if install {
		if _, err := coordinator.Register(context.Background(), "v1.0.2", config.DefaultManifest()); err != nil {
			t.Fatalf("安装失败: %v", err)
		}
	}

	app := fiber.New()
	RegisterStatusRoutes(app, coordinator)
	RegisterMessageRoutes(app, coordinator)
	RegisterMetricsRoutes(app, collector)
	return &routeEnv{app: app, coordinator: coordinator, opener: opener, metrics: collector}
}

func (e *routeEnv) do(t *testing.T, method, target, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestStatusReportsActiveGeneration(t *testing.T) {
	env := newRouteEnv(t, true)
	env.coordinator.Connect(testOrigin + "/")

	resp, body := env.do(t, http.MethodGet, "/-/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	var status agent.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("解析状态失败: %v", err)
	}
	if status.State != string(agent.StateActive) {
		t.Fatalf("状态应为 active，实际 %s", status.State)
	}
	if status.Active == nil || status.Active.CacheName != "surya-abadi-v1.0.2" {
		t.Fatalf("active 代际不符: %+v", status.Active)
	}
	if len(status.Generations) != 1 || len(status.Clients) != 1 {
		t.Fatalf("代际或页面数量不符: %+v", status)
	}
}

func TestCacheListing(t *testing.T) {
	env := newRouteEnv(t, false)
	resp, body := env.do(t, http.MethodGet, "/-/sw/cache", "", nil)
	if resp.StatusCode != http.StatusNotFound || !bytes.Contains(body, []byte("no_active_worker")) {
		t.Fatalf("未安装时应返回 404 no_active_worker，实际 %d %s", resp.StatusCode, body)
	}

	env = newRouteEnv(t, true)
	resp, body = env.do(t, http.MethodGet, "/-/sw/cache", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	var listing cacheListingPayload
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("解析缓存列表失败: %v", err)
	}
	if listing.CacheName != "surya-abadi-v1.0.2" {
		t.Fatalf("缓存名不符: %s", listing.CacheName)
	}
	if listing.Count != len(config.DefaultManifest()) {
		t.Fatalf("预缓存条目数不符: %d", listing.Count)
	}
}

func TestMessageClearCacheReplies(t *testing.T) {
	env := newRouteEnv(t, true)

	resp, body := env.do(t, http.MethodPost, "/-/sw/messages", `{"type":"CLEAR_CACHE"}`, map[string]string{HeaderClientID: "page-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d (%s)", resp.StatusCode, body)
	}
	if strings.TrimSpace(string(body)) != `{"success":true}` {
		t.Fatalf("回复体不符: %s", body)
	}
	status, err := env.coordinator.Status(context.Background())
	if err != nil {
		t.Fatalf("读取状态失败: %v", err)
	}
	if len(status.Generations) != 0 {
		t.Fatalf("清空后不应残留缓存库: %v", status.Generations)
	}
}

func TestMessageCheckUpdateBroadcasts(t *testing.T) {
	env := newRouteEnv(t, true)
	client := env.coordinator.Connect(testOrigin + "/")

	resp, _ := env.do(t, http.MethodPost, "/-/sw/messages", `{"type":"CHECK_UPDATE"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d", resp.StatusCode)
	}
	select {
	case msg := <-client.Outbox():
		if msg.Type != agent.MessageUpdateAvailable {
			t.Fatalf("期望 UPDATE_AVAILABLE，实际 %s", msg.Type)
		}
		if msg.CurrentVersion != "v1.0.2" {
			t.Fatalf("currentVersion 不符: %s", msg.CurrentVersion)
		}
	case <-time.After(time.Second):
		t.Fatalf("未收到广播")
	}
}

func TestMessageRejectsInvalidInput(t *testing.T) {
	env := newRouteEnv(t, true)

	resp, body := env.do(t, http.MethodPost, "/-/sw/messages", `{"type":"SELF_DESTRUCT"}`, nil)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("unknown_message")) {
		t.Fatalf("未知消息应返回 400 unknown_message，实际 %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/-/sw/messages", `not-json`, nil)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("invalid_message")) {
		t.Fatalf("非法 JSON 应返回 400 invalid_message，实际 %d %s", resp.StatusCode, body)
	}
}

func TestPushAndNotificationClick(t *testing.T) {
	env := newRouteEnv(t, true)

	resp, body := env.do(t, http.MethodPost, "/-/sw/push", `{"title":"Absen","body":"Jangan lupa","url":"/riwayat"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201，实际 %d", resp.StatusCode)
	}
	var notification agent.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		t.Fatalf("解析通知失败: %v", err)
	}
	if notification.Title != "Absen" || notification.Data.Version != "v1.0.2" {
		t.Fatalf("通知内容不符: %+v", notification)
	}

	resp, body = env.do(t, http.MethodPost, "/-/sw/notifications/"+notification.ID+"/click", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	var result agent.ClickResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("解析点击结果失败: %v", err)
	}
	if result.Action != agent.ClickActionOpenWindow || result.URL != testOrigin+"/riwayat" {
		t.Fatalf("点击结果不符: %+v", result)
	}
	if opened := env.opener.Opened(); len(opened) != 1 || opened[0] != testOrigin+"/riwayat" {
		t.Fatalf("应打开新窗口: %v", opened)
	}

	resp, _ = env.do(t, http.MethodPost, "/-/sw/notifications/"+notification.ID+"/click", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("重复点击应返回 404，实际 %d", resp.StatusCode)
	}
}

func TestMalformedPushShowsGenericNotification(t *testing.T) {
	env := newRouteEnv(t, true)

	resp, body := env.do(t, http.MethodPost, "/-/sw/push", `{broken`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201，实际 %d", resp.StatusCode)
	}
	var notification agent.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		t.Fatalf("解析通知失败: %v", err)
	}
	if notification.Title != "Surya Abadi" || notification.Data.URL != "/" {
		t.Fatalf("应使用默认内容: %+v", notification)
	}
}

func TestSyncRoute(t *testing.T) {
	env := newRouteEnv(t, true)
	client := env.coordinator.Connect(testOrigin + "/")

	resp, _ := env.do(t, http.MethodPost, "/-/sw/sync", `{"tag":"check-updates"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d", resp.StatusCode)
	}
	select {
	case msg := <-client.Outbox():
		if msg.Type != agent.MessageUpdateCheck {
			t.Fatalf("期望 UPDATE_CHECK，实际 %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("未收到广播")
	}

	resp, body := env.do(t, http.MethodPost, "/-/sw/sync", `{"tag":"other"}`, nil)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("unknown_sync_tag")) {
		t.Fatalf("未知标签应返回 400，实际 %d %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newRouteEnv(t, true)

	resp, body := env.do(t, http.MethodGet, "/-/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("cache_coordinator_lifecycle_events_total")) {
		t.Fatalf("缺少生命周期指标: %s", body)
	}
}

func TestStreamEventsWritesConnectedAndMessages(t *testing.T) {
	env := newRouteEnv(t, true)
	client := env.coordinator.Connect(testOrigin + "/")
	env.coordinator.Clients().Broadcast(agent.Outbound{Type: agent.MessageUpdateCheck, Data: json.RawMessage(`{"version":"v2"}`)})
	env.coordinator.Disconnect(context.Background(), client.ID)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := streamEvents(w, client, time.Hour); err != nil {
		t.Fatalf("outbox 关闭时应正常结束: %v", err)
	}

	out := buf.String()
	wantHello := "event: connected\ndata: {\"clientId\":\"" + client.ID + "\"}\n\n"
	if !strings.HasPrefix(out, wantHello) {
		t.Fatalf("首个事件应为 connected，实际 %q", out)
	}
	if !strings.Contains(out, "event: message\ndata: {\"type\":\"UPDATE_CHECK\",\"data\":{\"version\":\"v2\"}}\n\n") {
		t.Fatalf("缺少转发的消息: %q", out)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestStreamEventsStopsOnWriteError(t *testing.T) {
	env := newRouteEnv(t, true)
	client := env.coordinator.Connect(testOrigin + "/")
	defer env.coordinator.Disconnect(context.Background(), client.ID)

	if err := streamEvents(bufio.NewWriter(failingWriter{}), client, time.Hour); err == nil {
		t.Fatalf("写入失败时应返回错误")
	}
}

func TestStreamEventsEndsWhenClientsClosed(t *testing.T) {
	env := newRouteEnv(t, true)
	client := env.coordinator.Connect(testOrigin + "/")

	done := make(chan error, 1)
	go func() {
		done <- streamEvents(bufio.NewWriter(io.Discard), client, time.Hour)
	}()

	if n := env.coordinator.Clients().Close(); n != 1 {
		t.Fatalf("应关闭 1 个页面，实际 %d", n)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("注册表关闭后事件流应正常结束: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("注册表关闭后事件流仍未结束")
	}
}
