package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ViaToken is the pseudonym this proxy appends to the Via header of
// forwarded requests. A request that already carries it has looped back.
const ViaToken = "offline-edge"

// ProxyHandler resolves an intercepted request against the cache or the
// network.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions wires the interception app.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
	// Admin registers the /-/ control routes ahead of interception.
	Admin func(app *fiber.App)
}

const (
	localRequestID = "_offline_edge_request_id"
	adminPrefix    = "/-/"
)

// NewApp builds the Fiber app: admin routes under /-/, every other path is
// intercepted and handed to the proxy with the OriginRoute its Host maps to.
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("origin registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  jsonErrorHandler(opts.Logger),
	})
	app.Use(recover.New())
	app.Use(assignRequestID)

	if opts.Admin != nil {
		opts.Admin(app)
	}
	app.All("/*", intercept(opts))
	return app, nil
}

// assignRequestID 复用客户端传入的合法 UUID，否则生成新的请求 ID。
func assignRequestID(c fiber.Ctx) error {
	id := c.Get(fiber.HeaderXRequestID)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	c.Locals(localRequestID, id)
	c.Set(fiber.HeaderXRequestID, id)
	return c.Next()
}

func intercept(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if strings.HasPrefix(string(c.Request().URI().Path()), adminPrefix) {
			return fiber.NewError(fiber.StatusNotFound, "not_found")
		}

		host := requestHost(c)
		if looped(c) {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "intercept",
				"host":       host,
				"request_id": RequestID(c),
			}).Warn("proxy_loop_detected")
			return fiber.NewError(fiber.StatusLoopDetected, "proxy_loop")
		}

		route, ok := opts.Registry.Lookup(host)
		if !ok {
			opts.Logger.WithFields(logrus.Fields{
				"action": "host_lookup",
				"host":   host,
				"port":   opts.ListenPort,
			}).Warn("host unmapped")
			if host != "" {
				c.Set("X-Offline-Edge-Host", host)
			}
			return fiber.NewError(fiber.StatusNotFound, "host_unmapped")
		}

		return opts.Proxy.Handle(c, route)
	}
}

// requestHost 优先取 Host 头，其次取 absolute-form 请求行里的 host。
func requestHost(c fiber.Ctx) string {
	if raw := strings.TrimSpace(string(c.Request().Header.Peek(fiber.HeaderHost))); raw != "" {
		return raw
	}
	if raw := string(c.Request().URI().Host()); raw != "" {
		return raw
	}
	return c.Hostname()
}

func looped(c fiber.Ctx) bool {
	for _, hop := range strings.Split(c.Get(fiber.HeaderVia), ",") {
		fields := strings.Fields(hop)
		if len(fields) >= 2 && strings.EqualFold(fields[1], ViaToken) {
			return true
		}
	}
	return false
}

// jsonErrorHandler 把处理链返回的错误统一渲染为 {"error", "request_id"}。
func jsonErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "request",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).Error("request_failed")
		}
		return c.Status(code).JSON(fiber.Map{
			"error":      message,
			"request_id": RequestID(c),
		})
	}
}

// RequestID returns the request identifier assigned by the router.
func RequestID(c fiber.Ctx) string {
	id, _ := c.Locals(localRequestID).(string)
	return id
}
