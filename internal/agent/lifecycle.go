package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/config"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

type nowFunc func() time.Time

// WorkerState 是单个代际 worker 的生命周期状态。
type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateWaiting    WorkerState = "waiting"
	StateActive     WorkerState = "active"
	StateRedundant  WorkerState = "redundant"
)

var (
	// ErrInstallFailed wraps any manifest fetch or store failure during install.
	ErrInstallFailed = errors.New("install failed")
	// ErrNoActiveWorker is returned by operations that need a controlling generation.
	ErrNoActiveWorker = errors.New("no active worker")
)

// Worker 对应一个代际：版本、清单与当前状态。
type Worker struct {
	ID       string
	versions *VersionManager
	manifest []string

	mu          sync.RWMutex
	state       WorkerState
	gen         cache.Generation
	installedAt time.Time
	activatedAt time.Time
}

func (w *Worker) Version() string   { return w.versions.Version() }
func (w *Worker) CacheName() string { return w.versions.CurrentName() }

func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state WorkerState, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	switch state {
	case StateWaiting:
		w.installedAt = at
	case StateActive:
		w.activatedAt = at
	}
}

// WorkerSnapshot 是诊断接口使用的只读视图。
type WorkerSnapshot struct {
	ID          string      `json:"id"`
	Version     string      `json:"version"`
	CacheName   string      `json:"cache_name"`
	State       WorkerState `json:"state"`
	InstalledAt time.Time   `json:"installed_at,omitempty"`
	ActivatedAt time.Time   `json:"activated_at,omitempty"`
}

func (w *Worker) snapshot() *WorkerSnapshot {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &WorkerSnapshot{
		ID:          w.ID,
		Version:     w.versions.Version(),
		CacheName:   w.versions.CurrentName(),
		State:       w.state,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
}

// Options 汇总协调器的行为参数。
type Options struct {
	Origin               string
	Prefix               string
	APIMarker            string
	BypassHosts          []string
	VersionEndpoint      string
	SkipWaitingOnInstall bool
	OutboxSize           int
	DefaultTitle         string
	DefaultBody          string
}

// OptionsFromConfig 把 [Agent] 配置段转换为协调器参数。
func OptionsFromConfig(cfg config.AgentConfig) Options {
	return Options{
		Origin:               cfg.Origin,
		Prefix:               cfg.Prefix,
		APIMarker:            cfg.APIMarker,
		BypassHosts:          append([]string(nil), cfg.BypassHosts...),
		VersionEndpoint:      cfg.VersionEndpoint,
		SkipWaitingOnInstall: cfg.SkipWaitingOnInstall,
		OutboxSize:           cfg.OutboxSize,
		DefaultTitle:         cfg.DefaultTitle,
		DefaultBody:          cfg.DefaultBody,
	}
}

// Dependencies 是注入的外部能力：存储、网络、通知、时钟。
type Dependencies struct {
	Storage  cache.Storage
	Network  Fetcher
	Notifier Notifier
	Opener   WindowOpener
	Logger   *logrus.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Coordinator 相当于一次注册：最多持有一个 active worker 与一个 installing/waiting worker。
// 生命周期事件由 lifecycleMu 串行化，fetch 事件并发执行。
type Coordinator struct {
	opts     Options
	storage  cache.Storage
	network  Fetcher
	notifier Notifier
	opener   WindowOpener
	logger   *logrus.Logger
	metrics  *metrics.Collector
	now      nowFunc

	router        *Router
	clients       *ClientRegistry
	notifications *notificationCenter

	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	active      *Worker
	pending     *Worker
}

// New 校验参数并构建协调器。
func New(opts Options, deps Dependencies) (*Coordinator, error) {
	if deps.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if deps.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	opts.Origin = strings.TrimRight(strings.TrimSpace(opts.Origin), "/")
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if strings.TrimSpace(opts.Prefix) == "" {
		return nil, errors.New("cache prefix is required")
	}
	if opts.VersionEndpoint == "" {
		opts.VersionEndpoint = "/api/version"
	}
	hosts := make([]string, 0, len(opts.BypassHosts))
	for _, host := range opts.BypassHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	opts.BypassHosts = hosts

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: deps.Logger}
	}
	opener := deps.Opener
	if opener == nil {
		opener = &RecordingOpener{Logger: deps.Logger}
	}

	c := &Coordinator{
		opts:          opts,
		storage:       deps.Storage,
		network:       deps.Network,
		notifier:      notifier,
		opener:        opener,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		now:           now,
		notifications: newNotificationCenter(),
	}
	c.clients = newClientRegistry(opts.OutboxSize, deps.Logger, deps.Metrics, now)
	c.router = &Router{
		origin:      opts.Origin,
		apiMarker:   opts.APIMarker,
		bypassHosts: opts.BypassHosts,
		network:     deps.Network,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         now,
	}
	return c, nil
}

func (c *Coordinator) Router() *Router {
	return c.router
}

func (c *Coordinator) Clients() *ClientRegistry {
	return c.clients
}

func (c *Coordinator) Origin() string {
	return c.opts.Origin
}

func (c *Coordinator) Metrics() *metrics.Collector {
	return c.metrics
}

func (c *Coordinator) Active() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Coordinator) Pending() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// CurrentVersion 返回控制页面的代际版本；尚未激活时返回正在安装的版本。
func (c *Coordinator) CurrentVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active != nil {
		return c.active.Version()
	}
	if c.pending != nil {
		return c.pending.Version()
	}
	return ""
}

// Register 为 version 创建 worker 并执行 install；成功后按 skip-waiting 策略进入 activate。
// 与当前 active 版本相同的注册不会重新安装。
func (c *Coordinator) Register(ctx context.Context, version string, manifest []string) (*Worker, error) {
	versions, err := NewVersionManager(c.opts.Prefix, version)
	if err != nil {
		return nil, err
	}

	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if active := c.Active(); active != nil && active.Version() == versions.Version() {
		c.logger.WithFields(logging.LifecycleFields("register", active.Version(), active.CacheName())).
			Info("register_unchanged")
		return active, nil
	}

	worker := &Worker{
		ID:       uuid.NewString(),
		versions: versions,
		manifest: append([]string(nil), manifest...),
		state:    StateInstalling,
	}

	c.mu.Lock()
	previous := c.pending
	c.pending = worker
	c.mu.Unlock()
	if previous != nil {
		previous.setState(StateRedundant, c.now())
	}

	if err := c.install(ctx, worker); err != nil {
		worker.setState(StateRedundant, c.now())
		c.mu.Lock()
		if c.pending == worker {
			c.pending = nil
		}
		c.mu.Unlock()
		c.metrics.ObserveLifecycle("install", "failed")
		c.logger.WithFields(logging.LifecycleFields("install", worker.Version(), worker.CacheName())).
			WithError(err).Error("install_failed")
		return worker, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	worker.setState(StateWaiting, c.now())
	c.metrics.ObserveLifecycle("install", "ok")
	c.logger.WithFields(logging.LifecycleFields("install", worker.Version(), worker.CacheName())).
		WithField("entries", len(worker.manifest)).Info("install_complete")

	// 没有受控页面时无需等待，与首次安装一样立即激活。
	if c.opts.SkipWaitingOnInstall || c.Active() == nil || c.clients.Controlled() == 0 {
		if err := c.activateLocked(ctx, worker); err != nil {
			return worker, err
		}
	}
	return worker, nil
}

type prefetched struct {
	key  cache.Key
	resp *Response
}

// install 并发抓取清单，全部成功后才写入代际缓存库，失败时不留下半成品。
func (c *Coordinator) install(ctx context.Context, worker *Worker) error {
	ev := newEvent(ctx, "install")
	ev.WaitUntil(func(ctx context.Context) error {
		name := worker.CacheName()
		existed, err := c.storage.Has(ctx, name)
		if err != nil {
			return err
		}
		gen, err := c.storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}

		entries, err := c.prefetch(ctx, worker.manifest)
		if err == nil {
			storedAt := c.now()
			for _, entry := range entries {
				if err = gen.Put(ctx, entry.key, entry.resp.record(storedAt)); err != nil {
					err = fmt.Errorf("store %s: %w", entry.key.URL, err)
					break
				}
			}
		}
		if err != nil {
			if !existed {
				if _, delErr := c.storage.Delete(context.WithoutCancel(ctx), name); delErr != nil {
					c.logger.WithError(delErr).WithField("cache_name", name).Warn("install_cleanup_failed")
				}
			}
			return err
		}

		worker.mu.Lock()
		worker.gen = gen
		worker.mu.Unlock()
		return nil
	})
	return ev.Wait()
}

func (c *Coordinator) prefetch(ctx context.Context, manifest []string) ([]prefetched, error) {
	group, groupCtx := errgroup.WithContext(ctx)
	out := make([]prefetched, len(manifest))
	for i, path := range manifest {
		group.Go(func() error {
			target := c.opts.Origin + path
			resp, err := c.network.Fetch(groupCtx, &Request{Method: http.MethodGet, URL: target})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", path, resp.Status)
			}
			out[i] = prefetched{key: cache.NewKey(http.MethodGet, target), resp: resp}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SkipWaiting 让等待中的 worker 立即激活；没有等待中的 worker 时为空操作。
func (c *Coordinator) SkipWaiting(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	worker := c.Pending()
	if worker == nil || worker.State() != StateWaiting {
		c.metrics.ObserveLifecycle("skip_waiting", "skipped")
		return nil
	}
	return c.activateLocked(ctx, worker)
}

// activateLocked 清理过期代际、切换 active worker、接管页面并广播 SW_ACTIVATED。
// 调用方必须持有 lifecycleMu。
func (c *Coordinator) activateLocked(ctx context.Context, worker *Worker) error {
	ev := newEvent(ctx, "activate")
	ev.WaitUntil(func(ctx context.Context) error {
		c.purgeStale(ctx, worker)
		return nil
	})
	if err := ev.Wait(); err != nil {
		c.metrics.ObserveLifecycle("activate", "failed")
		return err
	}

	at := c.now()
	c.mu.Lock()
	previous := c.active
	c.active = worker
	if c.pending == worker {
		c.pending = nil
	}
	c.mu.Unlock()
	if previous != nil && previous != worker {
		previous.setState(StateRedundant, at)
	}
	worker.setState(StateActive, at)

	claimed := c.clients.Claim(worker.Version())
	c.clients.Broadcast(activatedMessage(worker.Version()))

	c.metrics.ObserveLifecycle("activate", "ok")
	fields := logging.LifecycleFields("activate", worker.Version(), worker.CacheName())
	fields["claimed_clients"] = claimed
	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// purgeStale 删除除当前代际外所有带前缀的缓存库；删除失败只记录日志。
func (c *Coordinator) purgeStale(ctx context.Context, worker *Worker) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("action", "activate").Warn("list_caches_failed")
		return
	}
	cleanup := newEvent(ctx, "activate_cleanup")
	for _, name := range worker.versions.StaleNames(names) {
		cleanup.WaitUntil(func(ctx context.Context) error {
			if _, err := c.storage.Delete(ctx, name); err != nil {
				c.logger.WithError(err).WithFields(logging.LifecycleFields("activate", worker.Version(), name)).
					Warn("stale_cache_delete_failed")
				return nil
			}
			c.logger.WithFields(logging.LifecycleFields("activate", worker.Version(), name)).
				Info("stale_cache_deleted")
			return nil
		})
	}
	_ = cleanup.Wait()
}

// ClearAll 删除全部缓存库（不区分前缀），返回已删除的名称。
func (c *Coordinator) ClearAll(ctx context.Context) ([]string, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if _, err := c.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// Connect 登记新页面；已有 active worker 时页面立即被控制。
func (c *Coordinator) Connect(url string) *Client {
	client := c.clients.Add(url)
	if active := c.Active(); active != nil {
		client.setController(active.Version())
	}
	c.logger.WithFields(logrus.Fields{
		"action":     "client_connect",
		"client_id":  client.ID,
		"url":        url,
		"controller": client.Controller(),
	}).Info("client connected")
	return client
}

// Disconnect 注销页面；最后一个受控页面离开时，等待中的 worker 被激活。
func (c *Coordinator) Disconnect(ctx context.Context, id string) {
	if !c.clients.Remove(id) {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"action":    "client_disconnect",
		"client_id": id,
	}).Info("client disconnected")

	if pending := c.Pending(); pending != nil && pending.State() == StateWaiting && c.clients.Controlled() == 0 {
		if err := c.SkipWaiting(ctx); err != nil {
			c.logger.WithError(err).WithField("action", "activate").Error("activate_failed")
		}
	}
}

// Fetch 拦截一次页面请求。没有 active worker 时直接访问网络。
func (c *Coordinator) Fetch(ctx context.Context, req *Request) (*Result, error) {
	var gen cache.Generation
	if active := c.Active(); active != nil {
		active.mu.RLock()
		gen = active.gen
		active.mu.RUnlock()
	}

	var result *Result
	ev := newEvent(ctx, "fetch")
	ev.WaitUntil(func(ctx context.Context) error {
		var err error
		result, err = c.router.Route(ctx, gen, req)
		return err
	})
	err := ev.Wait()
	return result, err
}

// Status 汇总协调器当前状态，供诊断接口使用。
type Status struct {
	State         string           `json:"state"`
	Origin        string           `json:"origin"`
	Active        *WorkerSnapshot  `json:"active,omitempty"`
	Pending       *WorkerSnapshot  `json:"pending,omitempty"`
	Generations   []string         `json:"generations"`
	Clients       []ClientSnapshot `json:"clients"`
	Notifications []Notification   `json:"notifications"`
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return Status{}, err
	}
	if names == nil {
		names = []string{}
	}
	status := Status{
		State:         "uncontrolled",
		Origin:        c.opts.Origin,
		Active:        c.Active().snapshot(),
		Pending:       c.Pending().snapshot(),
		Generations:   names,
		Clients:       c.clients.Snapshot(),
		Notifications: c.notifications.list(),
	}
	if status.Active != nil {
		status.State = string(status.Active.State)
	} else if status.Pending != nil {
		status.State = string(status.Pending.State)
	}
	return status, nil
}

// ActiveKeys 列出当前代际缓存库中的全部记录键。
func (c *Coordinator) ActiveKeys(ctx context.Context) (string, []cache.Key, error) {
	active := c.Active()
	if active == nil {
		return "", nil, ErrNoActiveWorker
	}
	active.mu.RLock()
	gen := active.gen
	active.mu.RUnlock()
	keys, err := gen.Keys(ctx)
	if err != nil {
		return active.CacheName(), nil, err
	}
	return active.CacheName(), keys, nil
}
