package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/surya-abadi/cache-coordinator/internal/agent"
	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/config"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
	"github.com/surya-abadi/cache-coordinator/internal/proxy"
	"github.com/surya-abadi/cache-coordinator/internal/server"
	"github.com/surya-abadi/cache-coordinator/internal/server/routes"
	"github.com/surya-abadi/cache-coordinator/internal/version"
)

const configEnvVar = "CACHE_COORDINATOR_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_name"] = cfg.Agent.CacheName()
		fields["manifest"] = len(cfg.Agent.Manifest)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 协调器安装当前版本 → 周期同步 → Fiber server。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	collector := metrics.New()
	fetcher, err := agent.NewHTTPFetcher(server.NewUpstreamClient(cfg), cfg.Agent.Origin, 0)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化网络访问失败: %v\n", err)
		return 1
	}
	coordinator, err := agent.New(agent.OptionsFromConfig(cfg.Agent), agent.Dependencies{
		Storage: storage,
		Network: fetcher,
		Logger:  logger,
		Metrics: collector,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化协调器失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 安装失败不阻止启动：页面保持未受控，请求直接访问网络。
	if _, err := coordinator.Register(ctx, cfg.Agent.Version, cfg.Agent.Manifest); err != nil {
		logger.WithError(err).WithFields(logging.LifecycleFields("install", cfg.Agent.Version, cfg.Agent.CacheName())).
			Error("initial install failed, serving uncontrolled")
	}

	scheduler := agent.NewScheduler(coordinator, cfg.Agent.CheckInterval.DurationValue())
	scheduler.Start(ctx)
	defer scheduler.Stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Agent.Origin
	fields["cache_name"] = cfg.Agent.CacheName()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, coordinator, collector, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cache-coordinator", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func buildApp(cfg *config.Config, coordinator *agent.Coordinator, collector *metrics.Collector, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    proxy.NewHandler(coordinator, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoutes(app, coordinator)
	routes.RegisterEventRoutes(app, coordinator, logger, routes.DefaultHeartbeat)
	routes.RegisterMessageRoutes(app, coordinator)
	routes.RegisterMetricsRoutes(app, collector)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, coordinator *agent.Coordinator, collector *metrics.Collector, logger *logrus.Logger) error {
	app, err := buildApp(cfg, coordinator, collector, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		closed := coordinator.Clients().Close()
		logger.WithFields(logrus.Fields{"action": "shutdown", "clients": closed}).Info("收到退出信号，停止服务")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}
