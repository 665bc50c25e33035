package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request 是缓存 key：方法、绝对 URL 与参与 Vary 比较的请求头。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Response 是不可变的响应快照。复用前必须 Clone，避免共享 Header/Body。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewRequest 规范化 URL（去除 fragment）并补全默认方法。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    normalized,
		Header: header,
	}, nil
}

// MustRequest 用于常量 URL 场景，解析失败时 panic。
func MustRequest(rawURL string) *Request {
	req, err := NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		panic(err)
	}
	return req
}

// NormalizeURL 要求绝对地址，并去除 fragment。
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", rawURL)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String(), nil
}

// StripSearch 返回去掉查询字符串后的 URL。
func StripSearch(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

// Clone 复制请求，调用方可以安全修改副本。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{Method: r.Method, URL: r.URL, Header: r.Header.Clone()}
}

// WithURL 返回替换 URL 后的副本，保留方法与请求头。
func (r *Request) WithURL(rawURL string) (*Request, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	clone := r.Clone()
	clone.URL = normalized
	return clone, nil
}

// Clone 复制响应快照。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// OK 对应 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func isMatchableMethod(method string) bool {
	return method == "" || method == http.MethodGet || method == http.MethodHead
}

// transportVaryFields 由代理与回源传输层自行协商，不参与 Vary 比较。
var transportVaryFields = map[string]struct{}{
	"Accept-Encoding":     {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// varyFields 解析响应上的 Vary 头，返回规范化字段名；包含 * 时 wildcard 为 true。
func varyFields(header http.Header) (fields []string, wildcard bool) {
	for _, value := range header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			name := strings.TrimSpace(part)
			if name == "" {
				continue
			}
			if name == "*" {
				return nil, true
			}
			name = http.CanonicalHeaderKey(name)
			if _, ok := transportVaryFields[name]; ok {
				continue
			}
			fields = append(fields, name)
		}
	}
	return fields, false
}

// varyMatches 比较请求与写入时记录的 Vary 字段值。
func varyMatches(stored http.Header, respHeader http.Header, incoming http.Header) bool {
	fields, wildcard := varyFields(respHeader)
	if wildcard {
		return false
	}
	for _, field := range fields {
		if stored.Get(field) != incoming.Get(field) {
			return false
		}
	}
	return true
}

// varySnapshot 仅保留响应 Vary 声明的请求头，用于之后的匹配。
func varySnapshot(reqHeader http.Header, respHeader http.Header) http.Header {
	fields, _ := varyFields(respHeader)
	snapshot := make(http.Header, len(fields))
	for _, field := range fields {
		if values := reqHeader.Values(field); len(values) > 0 {
			snapshot[field] = append([]string(nil), values...)
		}
	}
	return snapshot
}
