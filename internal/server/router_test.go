package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesOwnDomain(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://app.local/dashboard", nil)
	req.Host = "app.local"
	req.Header.Set("Host", "app.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.recorder.lastRoute == nil || !app.recorder.lastRoute.Own {
		t.Fatalf("expected own route, got %+v", app.recorder.lastRoute)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterRoutesForeignHost(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://cdn.example.net/lib.js", nil)
	req.Host = "cdn.example.net"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.recorder.lastRoute.Own || app.recorder.lastRoute.BaseURL.Host != "cdn.example.net" {
		t.Fatalf("expected foreign route, got %+v", app.recorder.lastRoute)
	}
}

func TestRouterSkipsDiagnosticsPaths(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://app.local/-/unknown", nil)
	req.Host = "app.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	if app.recorder.lastRoute != nil {
		t.Fatalf("diagnostic path must not reach the proxy")
	}
}

func TestRouterRejectsLoopedRequest(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://app.local/index.html", nil)
	req.Header.Set("Via", "1.1 corp-proxy, 1.1 "+ViaToken)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusLoopDetected {
		t.Fatalf("expected 508 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("proxy_loop")) {
		t.Fatalf("expected proxy_loop body, got %s", string(body))
	}
	if app.recorder.lastRoute != nil {
		t.Fatalf("looped request must not reach the proxy")
	}
}

func TestRouterReusesInboundRequestID(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://app.local/", nil)
	req.Header.Set("X-Request-ID", "0b6f3c1e-8d2a-4f7b-9a41-2c5d6e7f8a90")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "0b6f3c1e-8d2a-4f7b-9a41-2c5d6e7f8a90" {
		t.Fatalf("expected inbound request id, got %q", got)
	}

	req = httptest.NewRequest("GET", "http://app.local/", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "not-a-uuid" || got == "" {
		t.Fatalf("invalid request id should be replaced, got %q", got)
	}
}

func TestRouterRendersHandlerErrorsAsJSON(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry, _ := NewOriginRegistry(testConfig())
	app, err := NewApp(AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: ProxyHandlerFunc(func(fiber.Ctx, *OriginRoute) error {
			return fiber.NewError(fiber.StatusBadGateway, "upstream_gone")
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local/x", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusBadGateway || !bytes.Contains(body, []byte(`"error":"upstream_gone"`)) {
		t.Fatalf("unexpected error response %d %s", resp.StatusCode, string(body))
	}
	if !bytes.Contains(body, []byte(`"request_id"`)) {
		t.Fatalf("error body should carry request id: %s", string(body))
	}
}

func TestRouterAdminRoutesRegistered(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry, _ := NewOriginRegistry(testConfig())
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      &proxyRecorder{},
		ListenPort: 5000,
		Admin: func(app *fiber.App) {
			app.Get("/-/ping", func(c fiber.Ctx) error { return c.SendString("pong") })
		},
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, []byte("pong")) {
		t.Fatalf("expected admin route, got %s", string(body))
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewOriginRegistry(testConfig())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	lastRoute *OriginRoute
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *OriginRoute) error {
	p.lastRoute = route
	return c.SendStatus(fiber.StatusNoContent)
}
