package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Fetcher 负责从网络取回完整响应快照，由 upstream 包实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Add 取回单个请求并写入代际；非 2xx 响应返回 ErrBadResponse 且不写入。
func Add(ctx context.Context, gen Generation, fetcher Fetcher, req *Request) error {
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s returned %d", ErrBadResponse, req.URL, resp.Status)
	}
	return gen.Put(ctx, req, resp)
}

// AddAll 并发取回全部请求，全部成功后才依次写入；任一失败则整体放弃。
func AddAll(ctx context.Context, gen Generation, fetcher Fetcher, reqs []*Request) error {
	responses := make([]*Response, len(reqs))

	g, gCtx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s returned %d", ErrBadResponse, req.URL, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range reqs {
		if err := gen.Put(ctx, req, responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}
