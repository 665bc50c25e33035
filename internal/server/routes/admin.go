package routes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/clients"
	"github.com/any-hub/offline-edge/internal/lifecycle"
	"github.com/any-hub/offline-edge/internal/logging"
	"github.com/any-hub/offline-edge/internal/metrics"
	"github.com/any-hub/offline-edge/internal/notify"
	"github.com/any-hub/offline-edge/internal/queue"
	"github.com/any-hub/offline-edge/internal/server"
)

// Lifecycle 是 /-/lifecycle 路由需要的控制器能力。
type Lifecycle interface {
	Status() lifecycle.Status
	Install(ctx context.Context, version int) (string, error)
	Activate(ctx context.Context) ([]string, error)
	SkipWaiting(ctx context.Context) (bool, error)
	PrepareForUpdate(ctx context.Context) (lifecycle.MigrationReport, error)
}

// Drainer 处理 /-/sync 重连信号。
type Drainer interface {
	State() queue.DrainState
	Drain(ctx context.Context, tag string) (queue.DrainResult, error)
}

// Queue 是 /-/notifications 写入的持久化队列。
type Queue interface {
	Enqueue(ctx context.Context, message string, meta map[string]any) (queue.Record, error)
	Pending(ctx context.Context) ([]queue.Record, error)
}

// Pusher 处理 /-/push 推送。
type Pusher interface {
	ParsePushPayload(data []byte) (notify.PushPayload, error)
	Handle(ctx context.Context, payload notify.PushPayload) (bool, error)
}

// Clients 是已连接客户端集合。
type Clients interface {
	Count() int
	Broadcast(msg any) error
	Dispatcher() *clients.Dispatcher
}

// AdminOptions 汇总 /-/ 路由依赖；缺失的依赖对应路由不注册。
type AdminOptions struct {
	Logger    *logrus.Logger
	Registry  *server.OriginRegistry
	Lifecycle Lifecycle
	Drainer   Drainer
	Queue     Queue
	Push      Pusher
	Badge     *notify.Badge
	Clients   Clients
	Metrics   *metrics.Registry
	// CacheVersion 返回 install 未指定版本时使用的当前配置版本。
	CacheVersion func() int
}

type installRequest struct {
	Version int `json:"version" validate:"gte=0"`
}

type syncRequest struct {
	Tag string `json:"tag" validate:"required"`
}

type enqueueRequest struct {
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta"`
}

type backgroundFetchRequest struct {
	ID string `json:"id" validate:"required"`
}

type admin struct {
	opts     AdminOptions
	logger   *logrus.Logger
	validate *validator.Validate
}

// RegisterAdminRoutes 注册诊断与控制接口，供运维与测试驱动生命周期、推送与后台同步。
func RegisterAdminRoutes(app *fiber.App, opts AdminOptions) {
	if app == nil {
		return
	}
	a := &admin{
		opts:     opts,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}

	app.Get("/-/status", a.status)
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
	if opts.Push != nil {
		app.Post("/-/push", a.push)
	}
	if opts.Drainer != nil {
		app.Post("/-/sync", a.sync)
	}
	if opts.Queue != nil {
		app.Post("/-/notifications", a.enqueue)
	}
	if opts.Clients != nil {
		app.Post("/-/message", a.message)
		app.Post("/-/background-fetch", a.backgroundFetch)
	}
	if opts.Lifecycle != nil {
		app.Post("/-/lifecycle/install", a.install)
		app.Post("/-/lifecycle/activate", a.activate)
		app.Post("/-/lifecycle/skip-waiting", a.skipWaiting)
		app.Post("/-/lifecycle/migrate", a.migrate)
	}
}

func (a *admin) status(c fiber.Ctx) error {
	payload := fiber.Map{}
	if a.opts.Registry != nil {
		own := a.opts.Registry.Own()
		payload["origin"] = fiber.Map{"domain": own.Host, "base_url": own.BaseURL.String()}
	}
	if a.opts.Lifecycle != nil {
		payload["lifecycle"] = a.opts.Lifecycle.Status()
	}
	if a.opts.Drainer != nil {
		payload["drain_state"] = a.opts.Drainer.State().String()
	}
	if a.opts.Queue != nil {
		records, err := a.opts.Queue.Pending(c.Context())
		if err != nil {
			return a.fail(c, fiber.StatusInternalServerError, "queue_read_failed", err)
		}
		payload["pending"] = len(records)
	}
	if a.opts.Badge != nil {
		payload["badge"] = a.opts.Badge.Count()
	}
	if a.opts.Clients != nil {
		payload["clients"] = a.opts.Clients.Count()
	}
	return c.JSON(payload)
}

func (a *admin) push(c fiber.Ctx) error {
	payload, err := a.opts.Push.ParsePushPayload(c.Body())
	if err != nil {
		return a.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	badged, err := a.opts.Push.Handle(c.Context(), payload)
	if err != nil {
		return a.fail(c, fiber.StatusBadGateway, "push_failed", err)
	}
	return c.JSON(fiber.Map{"shown": true, "badged": badged})
}

func (a *admin) sync(c fiber.Ctx) error {
	var req syncRequest
	if err := a.bind(c, &req); err != nil {
		return a.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	result, err := a.opts.Drainer.Drain(c.Context(), req.Tag)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return a.fail(c, fiber.StatusConflict, "drain_in_progress", err)
	}
	if err != nil {
		return a.fail(c, fiber.StatusInternalServerError, "drain_failed", err)
	}
	return c.JSON(result)
}

func (a *admin) enqueue(c fiber.Ctx) error {
	var req enqueueRequest
	if err := a.bind(c, &req); err != nil {
		return a.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	record, err := a.opts.Queue.Enqueue(c.Context(), req.Message, req.Meta)
	if err != nil {
		return a.fail(c, fiber.StatusInternalServerError, "enqueue_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

func (a *admin) message(c fiber.Ctx) error {
	err := a.opts.Clients.Dispatcher().Dispatch(c.Context(), clients.Client{}, c.Body())
	switch {
	case errors.Is(err, clients.ErrInvalidEnvelope):
		return a.fail(c, fiber.StatusBadRequest, "invalid_envelope", err)
	case errors.Is(err, clients.ErrUnknownMessage):
		a.logger.WithError(err).WithField("action", "message").Warn("message_ignored")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ignored": true})
	case err != nil:
		return a.fail(c, fiber.StatusInternalServerError, "message_failed", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ignored": false})
}

func (a *admin) backgroundFetch(c fiber.Ctx) error {
	var req backgroundFetchRequest
	if err := a.bind(c, &req); err != nil {
		return a.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
	}
	msg := clients.BackgroundFetchMessage{Type: clients.MessageBackgroundFetch, ID: req.ID}
	if err := a.opts.Clients.Broadcast(msg); err != nil {
		return a.fail(c, fiber.StatusInternalServerError, "broadcast_failed", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *admin) install(c fiber.Ctx) error {
	var req installRequest
	if len(c.Body()) > 0 {
		if err := a.bind(c, &req); err != nil {
			return a.fail(c, fiber.StatusBadRequest, "invalid_payload", err)
		}
	}
	if req.Version == 0 && a.opts.CacheVersion != nil {
		req.Version = a.opts.CacheVersion()
	}
	name, err := a.opts.Lifecycle.Install(c.Context(), req.Version)
	if err != nil {
		return a.fail(c, fiber.StatusBadGateway, "install_failed", err)
	}
	return c.JSON(fiber.Map{"generation": name, "status": a.opts.Lifecycle.Status()})
}

func (a *admin) activate(c fiber.Ctx) error {
	deleted, err := a.opts.Lifecycle.Activate(c.Context())
	if errors.Is(err, lifecycle.ErrNothingInstalled) {
		return a.fail(c, fiber.StatusConflict, "nothing_installed", err)
	}
	if err != nil {
		return a.fail(c, fiber.StatusInternalServerError, "activate_failed", err)
	}
	return c.JSON(fiber.Map{"deleted": deleted, "status": a.opts.Lifecycle.Status()})
}

func (a *admin) skipWaiting(c fiber.Ctx) error {
	activated, err := a.opts.Lifecycle.SkipWaiting(c.Context())
	if err != nil && !errors.Is(err, lifecycle.ErrNothingInstalled) {
		return a.fail(c, fiber.StatusInternalServerError, "activate_failed", err)
	}
	return c.JSON(fiber.Map{"activated": activated, "status": a.opts.Lifecycle.Status()})
}

func (a *admin) migrate(c fiber.Ctx) error {
	report, err := a.opts.Lifecycle.PrepareForUpdate(c.Context())
	if err != nil {
		return a.fail(c, fiber.StatusInternalServerError, "migrate_failed", err)
	}
	return c.JSON(report)
}

func (a *admin) bind(c fiber.Ctx, out any) error {
	if err := json.Unmarshal(c.Body(), out); err != nil {
		return err
	}
	return a.validate.Struct(out)
}

func (a *admin) fail(c fiber.Ctx, status int, code string, err error) error {
	fields := logrus.Fields{
		"action":     "admin",
		"path":       c.Path(),
		"request_id": server.RequestID(c),
	}
	a.logger.WithFields(fields).WithError(err).Warn(code)
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}
