package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/any-hub/offline-edge/internal/cache"
	"github.com/any-hub/offline-edge/internal/config"
)

// Source 标识一次解析最终由哪一步给出响应。
type Source string

const (
	SourceBypass  Source = "bypass"
	SourceOffline Source = "offline"
	SourceCache   Source = "cache"
	SourceShell   Source = "shell"
	SourceNetwork Source = "network"
)

// staticAsset 匹配以 2~4 位字母扩展名结尾的路径，这类请求不回退到应用外壳。
var staticAsset = regexp.MustCompile(`\.[A-Za-z]{2,4}$`)

// Resolution 是解析结果。Response 为 nil 表示需要原样回源。
type Resolution struct {
	Source   Source
	Response *cache.Response
}

// Network 表示结果需要走网络。
func (r Resolution) Network() bool {
	return r.Response == nil
}

// Resolver 按固定顺序决定请求由缓存、应用外壳还是网络响应，本身不发起网络请求。
type Resolver struct {
	store cache.Storage
	app   atomic.Pointer[config.AppConfig]
}

// NewResolver 基于缓存存储与应用配置构建解析器。
func NewResolver(store cache.Storage, app config.AppConfig) *Resolver {
	r := &Resolver{store: store}
	r.app.Store(&app)
	return r
}

// Update 在配置热更新后替换解析规则，正在进行的解析继续使用旧值。
func (r *Resolver) Update(app config.AppConfig) {
	r.app.Store(&app)
}

// Resolve 依次尝试：bypass 标记、登录页离线回退、跨代际缓存、应用外壳，最后交给网络。
func (r *Resolver) Resolve(ctx context.Context, req *cache.Request, own bool) (Resolution, error) {
	app := r.app.Load()
	for _, marker := range app.BypassMarkers {
		if marker != "" && strings.Contains(req.URL, marker) {
			return Resolution{Source: SourceBypass}, nil
		}
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return Resolution{Source: SourceNetwork}, nil
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return Resolution{}, fmt.Errorf("parse request url: %w", err)
	}

	if app.SigninPath != "" && parsed.Path == app.SigninPath {
		return r.resolveSignin(ctx, app)
	}

	resp, err := r.match(ctx, req, cache.MatchOptions{IgnoreSearch: true, IgnoreVary: true})
	if err != nil {
		return Resolution{}, err
	}
	if resp != nil {
		return Resolution{Source: SourceCache, Response: resp}, nil
	}

	if own && !staticAsset.MatchString(parsed.Path) {
		shell, err := req.WithURL(ShellURL(parsed))
		if err != nil {
			return Resolution{}, err
		}
		resp, err := r.match(ctx, shell, cache.MatchOptions{IgnoreSearch: true})
		if err != nil {
			return Resolution{}, err
		}
		if resp != nil {
			return Resolution{Source: SourceShell, Response: resp}, nil
		}
	}

	return Resolution{Source: SourceNetwork}, nil
}

func (r *Resolver) resolveSignin(ctx context.Context, app *config.AppConfig) (Resolution, error) {
	if app.OfflinePage == "" {
		return Resolution{Source: SourceNetwork}, nil
	}
	offline, err := cache.NewRequest(http.MethodGet, app.ResolvePath(app.OfflinePage), nil)
	if err != nil {
		return Resolution{}, err
	}
	resp, err := r.match(ctx, offline, cache.MatchOptions{})
	if err != nil {
		return Resolution{}, err
	}
	if resp == nil {
		return Resolution{Source: SourceNetwork}, nil
	}
	return Resolution{Source: SourceOffline, Response: resp}, nil
}

// match 把 ErrNotFound 折叠为 nil 响应，其余错误原样返回。
func (r *Resolver) match(ctx context.Context, req *cache.Request, opts cache.MatchOptions) (*cache.Response, error) {
	resp, err := r.store.Match(ctx, req, opts)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", req.URL, err)
	}
	return resp, nil
}

// ShellURL 返回路径对应的应用外壳地址：补全末尾斜杠后拼接 index.html，并丢弃查询串。
func ShellURL(u *url.URL) string {
	shell := *u
	shell.RawQuery = ""
	shell.ForceQuery = false
	shell.Fragment = ""
	shell.RawFragment = ""
	shell.RawPath = ""
	if !strings.HasSuffix(shell.Path, "/") {
		shell.Path += "/"
	}
	shell.Path += "index.html"
	return shell.String()
}
