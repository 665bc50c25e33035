package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/config"
)

func TestNewClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestFetcherBypassCacheSetsHeaders(t *testing.T) {
	var cacheControl, pragma string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cacheControl = r.Header.Get("Cache-Control")
		pragma = r.Header.Get("Pragma")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer upstream.Close()

	fetcher := NewFetcher(upstream.Client()).BypassCache()
	resp, err := fetcher.Fetch(context.Background(), cache.MustRequest(upstream.URL+"/index.html"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if cacheControl != "no-cache" || pragma != "no-cache" {
		t.Fatalf("expected no-cache headers, got cache-control=%q pragma=%q", cacheControl, pragma)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "<html></html>" {
		t.Fatalf("unexpected snapshot %+v", resp)
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content-type not preserved: %s", resp.Header.Get("Content-Type"))
	}
}

func TestFetcherDefaultDoesNotBypass(t *testing.T) {
	var cacheControl string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cacheControl = r.Header.Get("Cache-Control")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	resp, err := NewFetcher(upstream.Client()).Fetch(context.Background(), cache.MustRequest(upstream.URL+"/missing"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if cacheControl != "" {
		t.Fatalf("unexpected cache-control %q", cacheControl)
	}
	if resp.OK() {
		t.Fatalf("404 should not be ok")
	}
}

func TestForwardKeepsMethodAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	target, _ := url.Parse(upstream.URL + "/api/items?x=1")
	resp, err := NewFetcher(upstream.Client()).Forward(context.Background(), ForwardRequest{
		Method: http.MethodPost,
		URL:    target,
		Header: http.Header{"Connection": []string{"close"}},
		Body:   strings.NewReader("payload"),
	})
	if err != nil {
		t.Fatalf("forward error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.Header.Get("X-Method") != http.MethodPost || string(body) != "payload" {
		t.Fatalf("unexpected forward result method=%s body=%s", resp.Header.Get("X-Method"), string(body))
	}
}
