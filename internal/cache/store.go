package cache

import (
	"context"
	"errors"
)

// Storage 管理所有驻留在磁盘上的缓存代际，对应 open/list/delete 以及跨代际 match。
type Storage interface {
	// Open 打开指定名称的代际，不存在时创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Lookup 打开已存在的代际，不存在时返回 ErrNotFound，不会创建。
	Lookup(ctx context.Context, name string) (Generation, error)

	// Has 判断代际是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 按创建顺序返回全部代际名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个代际，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序依次在各代际中查找，返回第一个命中；全部未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error)
}

// Generation 是单个命名代际内的请求/响应集合，同一代际内 key 唯一。
type Generation interface {
	Name() string

	// Match 返回与请求匹配的响应快照，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error)

	// Put 写入（或替换）请求对应的响应，被替换的条目移动到 key 顺序末尾。
	Put(ctx context.Context, req *Request, resp *Response) error

	// Keys 按插入顺序返回全部请求。
	Keys(ctx context.Context) ([]*Request, error)

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, req *Request) (bool, error)
}

// MatchOptions 控制匹配时忽略的请求维度。
type MatchOptions struct {
	// IgnoreSearch 比较 URL 时忽略查询字符串。
	IgnoreSearch bool
	// IgnoreVary 忽略缓存响应上的 Vary 头。
	IgnoreVary bool
	// IgnoreMethod 允许非 GET/HEAD 请求参与匹配。
	IgnoreMethod bool
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示代际名称包含非法字符。
	ErrInvalidName = errors.New("invalid cache generation name")
	// ErrMethodNotAllowed 表示只允许缓存 GET 请求。
	ErrMethodNotAllowed = errors.New("only GET requests can be cached")
	// ErrBadResponse 表示网络返回了非 2xx 响应，不能写入缓存。
	ErrBadResponse = errors.New("response status is not ok")
)
