package server

import (
	"testing"

	"github.com/any-hub/offline-edge/internal/config"
)

func TestOriginRegistryLookupOwnDomain(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("app.local")
	if !ok {
		t.Fatalf("expected own route")
	}
	if !route.Own {
		t.Fatalf("app domain should map to own route")
	}
	if route.BaseURL.String() != "https://app.example.com" {
		t.Errorf("unexpected base URL: %s", route.BaseURL)
	}
	if route.ListenPort != 5000 {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	if route, ok := registry.Lookup("app.example.com"); !ok || !route.Own {
		t.Fatalf("origin host should also map to own route")
	}
}

func TestOriginRegistryParsesHostHeaderPort(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if route, ok := registry.Lookup("APP.local:6000"); !ok || !route.Own {
		t.Fatalf("expected lookup to ignore host header port")
	}
}

func TestOriginRegistryBuildsForeignRoute(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("fonts.googleapis.com")
	if !ok {
		t.Fatalf("expected foreign route")
	}
	if route.Own {
		t.Fatalf("foreign host must not be own")
	}
	if route.BaseURL.String() != "https://fonts.googleapis.com" {
		t.Fatalf("unexpected foreign base %s", route.BaseURL)
	}

	route, _ = registry.Lookup("cdn.local:8443")
	if route.BaseURL.String() != "https://cdn.local:8443" {
		t.Fatalf("foreign port should be kept, got %s", route.BaseURL)
	}
}

func TestOriginRegistryRejectsEmptyHost(t *testing.T) {
	registry, _ := NewOriginRegistry(testConfig())
	if _, ok := registry.Lookup(" "); ok {
		t.Fatalf("empty host should not resolve")
	}
}

func TestOriginRegistryRequiresDomain(t *testing.T) {
	cfg := testConfig()
	cfg.App.Domain = ""
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("expected domain error")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
		},
		App: config.AppConfig{
			Domain:        "app.local",
			Origin:        "https://app.example.com",
			ForeignScheme: "https",
		},
	}
}
