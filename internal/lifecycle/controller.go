package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/clients"
	"github.com/any-hub/offline-edge/internal/config"
	"github.com/any-hub/offline-edge/internal/logging"
	"github.com/any-hub/offline-edge/internal/metrics"
)

// State 是控制器所处阶段。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
)

// ErrNothingInstalled 表示没有可激活的代际。
var ErrNothingInstalled = errors.New("no installed cache generation")

// ClientSet 是控制器需要的客户端能力。
type ClientSet interface {
	// Count 返回全部已连接客户端数量（包含未接管的）。
	Count() int
	// Claim 让已连接客户端改由当前激活代际接管。
	Claim()
}

// Options 注入 Controller 依赖。
type Options struct {
	Store cache.Storage
	// Fetcher 用于迁移阶段的普通回源。
	Fetcher cache.Fetcher
	// InstallFetcher 用于安装阶段，需绕过中间缓存。
	InstallFetcher cache.Fetcher
	Clients        ClientSet
	App            config.AppConfig
	Logger         *logrus.Logger
	Metrics        *metrics.Registry
}

// Status 是控制器的只读快照。
type Status struct {
	State   State  `json:"state"`
	Active  string `json:"active,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Controller 管理 install → waiting → activate 流程。
type Controller struct {
	store          cache.Storage
	fetcher        cache.Fetcher
	installFetcher cache.Fetcher
	clients        ClientSet
	logger         *logrus.Logger
	metrics        *metrics.Registry

	mu      sync.Mutex
	app     config.AppConfig
	wanted  *config.AppConfig
	state   State
	active  string
	pending string
}

// New 创建 Controller。
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	installFetcher := opts.InstallFetcher
	if installFetcher == nil {
		installFetcher = opts.Fetcher
	}
	return &Controller{
		store:          opts.Store,
		fetcher:        opts.Fetcher,
		installFetcher: installFetcher,
		clients:        opts.Clients,
		logger:         logger,
		metrics:        opts.Metrics,
		app:            opts.App,
		state:          StateIdle,
	}
}

// Status 返回当前状态快照。
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Active: c.active, Pending: c.pending}
}

// Controlled 表示是否已有激活代际，新接入的客户端据此判定是否被接管。
func (c *Controller) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != ""
}

// Target 返回迁移的目标代际：有等待中的代际时取它，否则取激活代际。
func (c *Controller) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != "" {
		return c.pending
	}
	return c.active
}

// Install 创建 CachePrefix+version 代际并全量预取；任一资源失败则不写入任何条目。
func (c *Controller) Install(ctx context.Context, version int) (string, error) {
	c.mu.Lock()
	app := c.app
	c.mu.Unlock()
	return c.install(ctx, app, version)
}

func (c *Controller) install(ctx context.Context, app config.AppConfig, version int) (string, error) {
	c.mu.Lock()
	prevState := c.state
	c.state = StateInstalling
	c.mu.Unlock()

	name := app.CacheName(version)
	fields := logging.GenerationFields("install", name)

	existed, err := c.store.Has(ctx, name)
	if err != nil {
		c.restoreState(prevState)
		return "", fmt.Errorf("check generation %s: %w", name, err)
	}

	reqs := make([]*cache.Request, 0, len(app.PrecacheURLs()))
	for _, rawURL := range app.PrecacheURLs() {
		req, err := cache.NewRequest("GET", rawURL, nil)
		if err != nil {
			c.restoreState(prevState)
			return "", fmt.Errorf("precache url %q: %w", rawURL, err)
		}
		reqs = append(reqs, req)
	}

	gen, err := c.store.Open(ctx, name)
	if err != nil {
		c.restoreState(prevState)
		return "", fmt.Errorf("open generation %s: %w", name, err)
	}
	if err := cache.AddAll(ctx, gen, c.installFetcher, reqs); err != nil {
		if !existed && name != c.activeName() {
			if _, delErr := c.store.Delete(context.WithoutCancel(ctx), name); delErr != nil {
				c.logger.WithError(delErr).WithFields(fields).Warn("install_cleanup_failed")
			}
		}
		c.restoreState(prevState)
		c.logger.WithError(err).WithFields(fields).Error("install_failed")
		return "", fmt.Errorf("install %s: %w", name, err)
	}

	c.mu.Lock()
	c.pending = name
	c.state = StateInstalled
	c.mu.Unlock()

	c.observeGenerations(ctx)
	fields["entries"] = len(reqs)
	c.logger.WithFields(fields).Info("install_completed")
	return name, nil
}

// Activate 让等待中的代际成为激活代际，并删除其它所有代际，返回被删除的名称。
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	target := c.pending
	if target == "" {
		target = c.active
	}
	c.mu.Unlock()
	if target == "" {
		return nil, ErrNothingInstalled
	}

	names, err := c.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if name == target {
			continue
		}
		removed, err := c.store.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete generation %s: %w", name, err)
		}
		if removed {
			deleted = append(deleted, name)
		}
	}

	c.mu.Lock()
	c.active = target
	if c.pending == target {
		c.pending = ""
	}
	c.state = StateActivated
	c.mu.Unlock()

	if c.clients != nil {
		c.clients.Claim()
	}
	c.observeGenerations(ctx)
	fields := logging.GenerationFields("activate", target)
	fields["deleted"] = deleted
	c.logger.WithFields(fields).Info("activate_completed")
	return deleted, nil
}

// SkipWaiting 仅在已连接客户端少于两个时激活，返回是否激活。
func (c *Controller) SkipWaiting(ctx context.Context) (bool, error) {
	attached := 0
	if c.clients != nil {
		attached = c.clients.Count()
	}
	if attached >= 2 {
		fields := logging.GenerationFields("skip_waiting", c.Target())
		fields["clients"] = attached
		c.logger.WithFields(fields).Info("activation_waiting")
		return false, nil
	}
	if _, err := c.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Reload 应用新的 App 配置；CacheVersion 对应的代际名变化时安装新版本并尝试激活。
// 安装成功后才提交新配置，失败的配置留给 RetryReload。
func (c *Controller) Reload(ctx context.Context, app config.AppConfig) error {
	c.mu.Lock()
	if app.CurrentCacheName() == c.app.CurrentCacheName() {
		c.app = app
		c.wanted = nil
		c.mu.Unlock()
		return nil
	}
	wanted := app
	c.wanted = &wanted
	c.mu.Unlock()

	if _, err := c.install(ctx, app, app.CacheVersion); err != nil {
		return err
	}

	c.mu.Lock()
	c.app = app
	if c.wanted != nil && c.wanted.CurrentCacheName() == app.CurrentCacheName() {
		c.wanted = nil
	}
	c.mu.Unlock()

	_, err := c.SkipWaiting(ctx)
	return err
}

// RetryReload 重试上一次安装失败的配置，没有待重试配置时返回 false。
func (c *Controller) RetryReload(ctx context.Context) (bool, error) {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if wanted == nil {
		return false, nil
	}
	fields := logging.GenerationFields("reload_retry", wanted.CurrentCacheName())
	c.logger.WithFields(fields).Info("reload_retry")
	return true, c.Reload(ctx, *wanted)
}

// HandleSkipWaiting 是 SKIP_WAITING 消息的处理器。
func (c *Controller) HandleSkipWaiting(ctx context.Context, _ clients.Client, _ clients.Envelope) error {
	_, err := c.SkipWaiting(ctx)
	return err
}

// HandlePrepareCaches 是 PREPARE_CACHES_FOR_UPDATE 消息的处理器。
func (c *Controller) HandlePrepareCaches(ctx context.Context, _ clients.Client, _ clients.Envelope) error {
	_, err := c.PrepareForUpdate(ctx)
	return err
}

func (c *Controller) activeName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) restoreState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) observeGenerations(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	if names, err := c.store.Names(ctx); err == nil {
		c.metrics.SetGenerations(len(names))
	}
}

func (c *Controller) migrationConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app.MigrationConcurrency <= 0 {
		return 1
	}
	return c.app.MigrationConcurrency
}
