package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-edge/internal/config"
)

// OriginRoute 描述一次请求所属的源：本应用（Own）或第三方域名。
// BaseURL 同时用作缓存标识与回源地址的 scheme://host 部分。
type OriginRoute struct {
	// Host 是请求 Host 头规范化后的值（不含端口）。
	Host string
	// Own 表示请求属于被拦截的应用本身。
	Own bool
	// BaseURL 对本应用为配置的 Origin，对第三方为 ForeignScheme://host[:port]。
	BaseURL *url.URL
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
}

// OriginRegistry 把 Host/Host:port 映射到 OriginRoute。应用自身的域名与源站域名都指向同一个 Own 路由。
type OriginRegistry struct {
	own           *OriginRoute
	ownHosts      map[string]struct{}
	foreignScheme string
	listenPort    int
}

// NewOriginRegistry 根据配置构建映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	domain := normalizeDomain(cfg.App.Domain)
	if domain == "" {
		return nil, fmt.Errorf("invalid domain %q", cfg.App.Domain)
	}
	origin, err := url.Parse(strings.TrimRight(cfg.App.Origin, "/"))
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.App.Origin)
	}

	scheme := cfg.App.ForeignScheme
	if scheme == "" {
		scheme = "https"
	}

	registry := &OriginRegistry{
		own: &OriginRoute{
			Host:       domain,
			Own:        true,
			BaseURL:    &url.URL{Scheme: origin.Scheme, Host: origin.Host, Path: origin.Path},
			ListenPort: cfg.Global.ListenPort,
		},
		ownHosts:      make(map[string]struct{}, 2),
		foreignScheme: scheme,
		listenPort:    cfg.Global.ListenPort,
	}
	registry.ownHosts[domain] = struct{}{}
	registry.ownHosts[normalizeDomain(origin.Host)] = struct{}{}
	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找路由；空 Host 返回 false。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, port := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}
	if _, ok := r.ownHosts[normalizedHost]; ok {
		return r.own, true
	}

	hostPort := normalizedHost
	if port > 0 {
		hostPort = net.JoinHostPort(normalizedHost, strconv.Itoa(port))
	}
	return &OriginRoute{
		Host:       normalizedHost,
		BaseURL:    &url.URL{Scheme: r.foreignScheme, Host: hostPort},
		ListenPort: r.listenPort,
	}, true
}

// Own 返回应用自身的路由，用于 /-/status 输出。
func (r *OriginRegistry) Own() OriginRoute {
	if r == nil || r.own == nil {
		return OriginRoute{}
	}
	return *r.own
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
