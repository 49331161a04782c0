package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/config"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
	"github.com/surya-abadi/cache-coordinator/internal/proxy"
	"github.com/surya-abadi/cache-coordinator/internal/server"
	"github.com/surya-abadi/cache-coordinator/internal/server/routes"
)

// harness 以真实的 HTTP 访问器与磁盘存储组装完整的协调器服务。
type harness struct {
	app         *fiber.App
	coordinator *agent.Coordinator
	storage     cache.Storage
	origin      *originStub
	storagePath string
}

func newHarness(t *testing.T, cfg config.AgentConfig) *harness {
	t.Helper()

	origin := newOriginStub(t)
	cfg.Origin = origin.URL
	if cfg.Prefix == "" {
		cfg.Prefix = "surya-abadi"
	}
	if cfg.APIMarker == "" {
		cfg.APIMarker = "/api/"
	}
	if cfg.BypassHosts == nil {
		cfg.BypassHosts = config.DefaultBypassHosts()
	}
	if cfg.VersionEndpoint == "" {
		cfg.VersionEndpoint = "/api/version"
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 8
	}

	storagePath := t.TempDir()
	storage, err := cache.NewStorage(config.StorageDriverFS, storagePath)
	if err != nil {
		t.Fatalf("storage init error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	logger := logging.Discard()
	client := server.NewUpstreamClient(&config.Config{})
	fetcher, err := agent.NewHTTPFetcher(client, origin.URL, 0)
	if err != nil {
		t.Fatalf("fetcher init error: %v", err)
	}
	collector := metrics.New()
	coordinator, err := agent.New(agent.OptionsFromConfig(cfg), agent.Dependencies{
		Storage: storage,
		Network: fetcher,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		t.Fatalf("coordinator init error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    proxy.NewHandler(coordinator, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app init error: %v", err)
	}
	routes.RegisterStatusRoutes(app, coordinator)
	routes.RegisterMessageRoutes(app, coordinator)
	routes.RegisterMetricsRoutes(app, collector)

	return &harness{
		app:         app,
		coordinator: coordinator,
		storage:     storage,
		origin:      origin,
		storagePath: storagePath,
	}
}

func (h *harness) register(t *testing.T, version string) {
	t.Helper()
	if _, err := h.coordinator.Register(context.Background(), version, config.DefaultManifest()); err != nil {
		t.Fatalf("register %s failed: %v", version, err)
	}
}

func (h *harness) get(t *testing.T, path string, header map[string]string) (*http.Response, string) {
	t.Helper()
	return h.do(t, http.MethodGet, "http://absensi.local"+path, nil, header)
}

func (h *harness) do(t *testing.T, method, target string, body io.Reader, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func (h *harness) names(t *testing.T) []string {
	t.Helper()
	names, err := h.storage.Names(context.Background())
	if err != nil {
		t.Fatalf("list caches failed: %v", err)
	}
	return names
}

var navigateHeaders = map[string]string{
	"Sec-Fetch-Mode": "navigate",
	"Sec-Fetch-Dest": "document",
	"Accept":         "text/html",
}
