package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-edge/internal/cache"
)

// Fetcher 实现 cache.Fetcher：发起请求并把响应完整读入内存快照。
type Fetcher struct {
	client      *http.Client
	bypassCache bool
}

// NewFetcher 基于共享 client 构建 Fetcher。
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// BypassCache 返回一个附带 no-cache 头的副本，安装阶段用它绕过中间缓存。
func (f *Fetcher) BypassCache() *Fetcher {
	clone := *f
	clone.bypassCache = true
	return &clone
}

// Fetch 实现 cache.Fetcher。
func (f *Fetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	if f.bypassCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}
	header := http.Header{}
	CopyHeaders(header, resp.Header)
	return &cache.Response{Status: resp.StatusCode, Header: header, Body: body}, nil
}

// ForwardRequest 描述一次原样转发：目标地址、方法、请求头与请求体。
type ForwardRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.Reader
}

// Forward 原样转发请求并返回未读取的响应，调用方负责关闭 Body。
func (f *Fetcher) Forward(ctx context.Context, fwd ForwardRequest) (*http.Response, error) {
	body := fwd.Body
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, fwd.Method, fwd.URL.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, fwd.Header)
	req.Header.Del("Accept-Encoding")
	req.Host = fwd.URL.Host
	req.Header.Set("Host", fwd.URL.Host)
	return f.client.Do(req)
}
