package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/logging"
	"github.com/any-hub/offline-edge/internal/metrics"
	"github.com/any-hub/offline-edge/internal/server"
	"github.com/any-hub/offline-edge/internal/upstream"
)

// SourceHeader 标记响应来自哪一步解析。
const SourceHeader = "X-Offline-Edge-Source"

// Handler 把 Resolver 的决策落到 Fiber 响应上：缓存快照直接返回，其余请求原样转发到网络。
type Handler struct {
	resolver *Resolver
	fetcher  *upstream.Fetcher
	logger   *logrus.Logger
	metrics  *metrics.Registry
}

// HandlerOptions 汇总 Handler 依赖。
type HandlerOptions struct {
	Resolver *Resolver
	Fetcher  *upstream.Fetcher
	Logger   *logrus.Logger
	Metrics  *metrics.Registry
}

// NewHandler constructs a proxy handler sharing the resolver, fetcher and logger.
func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		resolver: opts.Resolver,
		fetcher:  opts.Fetcher,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Handle 实现 server.ProxyHandler，每个请求恰好产生一个响应。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := requestURL(route, c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := cache.NewRequest(c.Method(), target.String(), fiberHeadersAsHTTP(c))
	if err != nil {
		h.logResult(requestID, c.Method(), target.String(), "", 0, started, err)
		return h.writeError(c, requestID)
	}

	resolution, err := h.resolver.Resolve(ctx, req, route.Own)
	if err != nil {
		h.logResult(requestID, req.Method, req.URL, "", 0, started, err)
		return h.writeError(c, requestID)
	}
	h.metrics.ObserveResolution(string(resolution.Source))

	if !resolution.Network() {
		return h.serveCache(c, req, resolution, requestID, started)
	}
	return h.forward(ctx, c, route, target, resolution.Source, requestID, started)
}

func (h *Handler) serveCache(c fiber.Ctx, req *cache.Request, res Resolution, requestID string, started time.Time) error {
	resp := res.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(res.Source))
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	if req.Method == http.MethodHead {
		c.Response().Header.SetContentLength(len(resp.Body))
		h.logResult(requestID, req.Method, req.URL, res.Source, resp.Status, started, nil)
		return nil
	}

	err := c.Send(resp.Body)
	h.logResult(requestID, req.Method, req.URL, res.Source, resp.Status, started, err)
	return err
}

func (h *Handler) forward(
	ctx context.Context,
	c fiber.Ctx,
	route *server.OriginRoute,
	target *url.URL,
	source Source,
	requestID string,
	started time.Time,
) error {
	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))
	header.Add(fiber.HeaderVia, "1.1 "+server.ViaToken)

	resp, err := h.fetcher.Forward(ctx, upstream.ForwardRequest{
		Method: c.Method(),
		URL:    target,
		Header: header,
		Body:   bytesReader(c.Body()),
	})
	if err != nil {
		h.logResult(requestID, c.Method(), target.String(), source, 0, started, err)
		return h.writeError(c, requestID)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(source))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(requestID, c.Method(), target.String(), source, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(requestID, c.Method(), target.String(), source, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, requestID string) error {
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "fetch_failed"})
}

func (h *Handler) logResult(
	requestID string,
	method string,
	target string,
	source Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(requestID, method, target, string(source))
	fields["action"] = "resolve"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Debug("resolve_complete")
}

// requestURL 把拦截到的请求还原成绝对地址：本应用为 Origin + path + query，第三方为 scheme://host + path + query。
func requestURL(route *server.OriginRoute, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	p := string(uri.Path())
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	target := *route.BaseURL
	target.Path = strings.TrimRight(target.Path, "/") + p
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	return &target
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
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
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		// 多值头（Set-Cookie、Link）逐个追加
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
