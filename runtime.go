package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/clients"
	"github.com/any-hub/offline-edge/internal/config"
	"github.com/any-hub/offline-edge/internal/connectivity"
	"github.com/any-hub/offline-edge/internal/lifecycle"
	"github.com/any-hub/offline-edge/internal/logging"
	"github.com/any-hub/offline-edge/internal/metrics"
	"github.com/any-hub/offline-edge/internal/notify"
	"github.com/any-hub/offline-edge/internal/proxy"
	"github.com/any-hub/offline-edge/internal/queue"
	"github.com/any-hub/offline-edge/internal/server"
	"github.com/any-hub/offline-edge/internal/server/routes"
	"github.com/any-hub/offline-edge/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// appRuntime 持有进程内全部长生命周期组件。
type appRuntime struct {
	cfg        atomic.Pointer[config.Config]
	configPath string
	logger     *logrus.Logger

	records      queue.RecordStore
	hub          *clients.Hub
	clientServer *clients.Server
	controller   *lifecycle.Controller
	resolver     *proxy.Resolver
	watcher      *connectivity.Watcher
	app          *fiber.App
}

// newRuntime 组装组件并完成首次安装；安装失败（例如离线启动）只记录日志，已驻留的代际继续服务。
func newRuntime(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) (*appRuntime, error) {
	rt := &appRuntime{configPath: configPath, logger: logger}
	rt.cfg.Store(cfg)

	registry := metrics.New()
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init cache storage: %w", err)
	}

	httpClient := upstream.NewClient(cfg)
	fetcher := upstream.NewFetcher(httpClient)

	dispatcher := clients.NewDispatcher()
	rt.hub = clients.NewHub(clients.HubOptions{
		Logger:     logger,
		Dispatcher: dispatcher,
		Metrics:    registry,
		Controlled: func() bool { return rt.controller != nil && rt.controller.Controlled() },
	})
	rt.controller = lifecycle.New(lifecycle.Options{
		Store:          store,
		Fetcher:        fetcher,
		InstallFetcher: fetcher.BypassCache(),
		Clients:        rt.hub,
		App:            cfg.App,
		Logger:         logger,
		Metrics:        registry,
	})

	badge := notify.NewBadge(registry.SetBadge)
	presenter := notify.NewClientPresenter(rt.hub)
	push := notify.NewPushHandler(presenter, rt.hub, badge, cfg.Notification, logger)

	dispatcher.Register(clients.MessageClearBadges, push.ClearBadges)
	dispatcher.RegisterDetached(clients.MessageSkipWaiting, rt.controller.HandleSkipWaiting)
	dispatcher.RegisterDetached(clients.MessagePrepareCaches, rt.controller.HandlePrepareCaches)

	admin := routes.AdminOptions{
		Logger:       logger,
		Lifecycle:    rt.controller,
		Push:         push,
		Badge:        badge,
		Clients:      rt.hub,
		Metrics:      registry,
		CacheVersion: func() int { return rt.cfg.Load().App.CacheVersion },
	}

	var drainer *queue.Drainer
	rt.records, err = queue.OpenStore(cfg.Queue, cfg.Global.StoragePath)
	if err != nil {
		logger.WithError(err).WithField("action", "queue_open").Error("queue_unavailable")
	} else {
		q, err := queue.New(ctx, rt.records)
		if err != nil {
			_ = rt.records.Close()
			return nil, fmt.Errorf("init queue: %w", err)
		}
		drainer = queue.NewDrainer(queue.DrainerOptions{
			Store:        rt.records,
			Presenter:    presenter,
			Notification: cfg.Notification,
			TagPrefix:    cfg.Queue.SyncTagPrefix,
			Logger:       logger,
			Metrics:      registry,
		})
		admin.Queue = q
		admin.Drainer = drainer
	}

	rt.watcher = connectivity.New(connectivity.Options{
		Client:   httpClient,
		Target:   cfg.App.Origin,
		Tag:      cfg.Queue.SyncTag,
		Interval: cfg.App.ProbeInterval.DurationValue(),
		Logger:   logger,
		Reconnect: func(ctx context.Context, tag string) error {
			_, retryErr := rt.controller.RetryReload(ctx)
			if drainer == nil {
				return retryErr
			}
			_, err := drainer.Drain(ctx, tag)
			return errors.Join(retryErr, err)
		},
	})

	origins, err := server.NewOriginRegistry(cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build origin registry: %w", err)
	}
	admin.Registry = origins

	rt.resolver = proxy.NewResolver(store, cfg.App)
	handler := proxy.NewHandler(proxy.HandlerOptions{
		Resolver: rt.resolver,
		Fetcher:  fetcher,
		Logger:   logger,
		Metrics:  registry,
	})
	rt.app, err = server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   origins,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
		Admin:      func(app *fiber.App) { routes.RegisterAdminRoutes(app, admin) },
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.clientServer = clients.NewServer(rt.hub, fmt.Sprintf(":%d", cfg.Global.ClientListenPort))
	rt.installOnStartup(ctx, cfg.App.CacheVersion)
	return rt, nil
}

func (rt *appRuntime) installOnStartup(ctx context.Context, version int) {
	if _, err := rt.controller.Install(ctx, version); err != nil {
		rt.logger.WithError(err).WithFields(logging.GenerationFields("install", rt.cfg.Load().App.CacheName(version))).
			Warn("startup_install_failed")
		return
	}
	if _, err := rt.controller.SkipWaiting(ctx); err != nil {
		rt.logger.WithError(err).WithField("action", "skip_waiting").Warn("startup_activate_failed")
	}
}

// Serve 启动 Fiber、websocket 与连通性探测，阻塞直到 ctx 结束或任一服务失败。
func (rt *appRuntime) Serve(ctx context.Context) error {
	cfg := rt.cfg.Load()
	if err := rt.watcher.Start(ctx); err != nil {
		return err
	}
	if err := config.Watch(rt.configPath, func(next *config.Config) { rt.reload(ctx, next) }, func(err error) {
		rt.logger.WithError(err).WithField("action", "config_reload").Warn("config_reload_rejected")
	}); err != nil {
		rt.logger.WithError(err).WithField("action", "config_watch").Warn("config_watch_disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   cfg.Global.ListenPort,
		}).Info("Fiber 服务启动")
		return rt.app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{DisableStartupMessage: true})
	})
	g.Go(rt.clientServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			rt.app.ShutdownWithContext(shutdownCtx),
			rt.clientServer.Shutdown(shutdownCtx),
			rt.watcher.Stop(shutdownCtx),
		)
	})
	return g.Wait()
}

// reload 把热更新后的配置推给解析器与生命周期控制器，版本变化时触发安装。
func (rt *appRuntime) reload(ctx context.Context, next *config.Config) {
	prev := rt.cfg.Swap(next)
	rt.resolver.Update(next.App)
	fields := logging.GenerationFields("config_reload", next.App.CurrentCacheName())
	fields["previous"] = prev.App.CurrentCacheName()
	if sections := restartRequired(prev, next); len(sections) > 0 {
		rt.logger.WithFields(logrus.Fields{
			"action":   "config_reload",
			"sections": sections,
		}).Warn("config_restart_required")
	}
	if err := rt.controller.Reload(ctx, next.App); err != nil {
		rt.logger.WithError(err).WithFields(fields).Warn("config_reload_install_failed")
		return
	}
	rt.logger.WithFields(fields).Info("config_reloaded")
}

// restartRequired 列出启动时已固化、热更新无法生效的配置段。
func restartRequired(prev, next *config.Config) []string {
	var sections []string
	if !reflect.DeepEqual(prev.Global, next.Global) {
		sections = append(sections, "Global")
	}
	if !reflect.DeepEqual(prev.Queue, next.Queue) {
		sections = append(sections, "Queue")
	}
	if !reflect.DeepEqual(prev.Notification, next.Notification) {
		sections = append(sections, "Notification")
	}
	if prev.App.Domain != next.App.Domain || prev.App.Origin != next.App.Origin ||
		prev.App.ForeignScheme != next.App.ForeignScheme || prev.App.ProbeInterval != next.App.ProbeInterval {
		sections = append(sections, "App.Domain/Origin/ForeignScheme/ProbeInterval")
	}
	return sections
}

// Close 释放记录存储。
func (rt *appRuntime) Close() {
	if rt.records != nil {
		if err := rt.records.Close(); err != nil {
			rt.logger.WithError(err).WithField("action", "queue_close").Warn("queue_close_failed")
		}
		rt.records = nil
	}
}
