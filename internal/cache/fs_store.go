package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	generationsDir = "generations"
	entriesDir     = "entries"
	markerFile     = "generation.json"
	bodySuffix     = ".body"
	metaSuffix     = ".meta"
)

var generationNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, generationsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；stamp 保证写入序号严格递增。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock

	stampMu   sync.Mutex
	lastStamp int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type generationMarker struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

type entryMeta struct {
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	RequestHeader http.Header `json:"request_header,omitempty"`
	Status        int         `json:"status"`
	Header        http.Header `json:"header"`
	SizeBytes     int64       `json:"size_bytes"`
	StoredAt      int64       `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}

	markerPath := filepath.Join(dir, markerFile)
	if _, err := os.Stat(markerPath); errors.Is(err, fs.ErrNotExist) {
		payload, _ := json.Marshal(generationMarker{Name: name, CreatedAt: s.nextStamp()})
		if err := writeAtomic(ctx, markerPath, bytes.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("write generation marker %s: %w", name, err)
		}
	} else if err != nil {
		return nil, err
	}

	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Lookup(ctx context.Context, name string) (Generation, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: generation %s", ErrNotFound, name)
	}
	dir, _ := s.generationPath(name)
	return &fileGeneration{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationPath(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	markers := make([]generationMarker, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !generationNamePattern.MatchString(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, entry.Name(), markerFile))
		if err != nil {
			continue
		}
		var marker generationMarker
		if err := json.Unmarshal(raw, &marker); err != nil {
			continue
		}
		marker.Name = entry.Name()
		markers = append(markers, marker)
	}

	sort.SliceStable(markers, func(i, j int) bool {
		if markers[i].CreatedAt == markers[j].CreatedAt {
			return markers[i].Name < markers[j].Name
		}
		return markers[i].CreatedAt < markers[j].CreatedAt
	})

	names := make([]string, len(markers))
	for i, marker := range markers {
		names[i] = marker.Name
	}
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.generationPath(name)

	// 先改名再删除，避免 Names 看到一半被删掉的目录。
	trash := filepath.Join(s.root, fmt.Sprintf(".trash-%s-%d", name, time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		// 只读路径不能重建刚被删除的代际
		gen, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		resp, err := gen.Match(ctx, req, opts)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) generationPath(name string) (string, error) {
	if strings.HasPrefix(name, ".") || !generationNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.root, name), nil
}

func (s *fileStore) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := time.Now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileGeneration 的目录布局：
//
//	<name>/entries/<sha256(无查询 URL)>/<sha256(完整 URL)>.meta
//	<name>/entries/<sha256(无查询 URL)>/<sha256(完整 URL)>.body
//
// 以无查询 URL 分组，使 IgnoreSearch 匹配只需扫描一个目录。
type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, req *Request, opts MatchOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrNotFound
	}
	if !opts.IgnoreMethod && !isMatchableMethod(req.Method) {
		return nil, ErrNotFound
	}

	key, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, ErrNotFound
	}

	var candidates []entryMeta
	if opts.IgnoreSearch {
		metas, err := g.readGroup(StripSearch(key))
		if err != nil {
			return nil, err
		}
		candidates = metas
	} else {
		meta, err := g.readMeta(g.metaPath(key))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		candidates = []entryMeta{meta}
	}

	for _, meta := range candidates {
		if !opts.IgnoreVary && !varyMatches(meta.RequestHeader, meta.Header, req.Header) {
			continue
		}
		body, err := os.ReadFile(g.bodyPath(meta.URL))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return &Response{
			Status: meta.Status,
			Header: meta.Header.Clone(),
			Body:   body,
		}, nil
	}
	return nil, ErrNotFound
}

func (g *fileGeneration) Put(ctx context.Context, req *Request, resp *Response) error {
	if req == nil || resp == nil {
		return errors.New("request and response required")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return fmt.Errorf("%w: %s %s", ErrMethodNotAllowed, req.Method, req.URL)
	}
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		return err
	}

	unlock := g.store.lockEntry(g.name + "::" + normalized)
	defer unlock()

	if _, err := os.Stat(filepath.Join(g.dir, markerFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: generation %s", ErrNotFound, g.name)
		}
		return err
	}
	if err := os.MkdirAll(g.groupPath(StripSearch(normalized)), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(ctx, g.bodyPath(normalized), bytes.NewReader(resp.Body)); err != nil {
		return err
	}

	meta := entryMeta{
		Method:        http.MethodGet,
		URL:           normalized,
		RequestHeader: varySnapshot(req.Header, resp.Header),
		Status:        resp.Status,
		Header:        resp.Header.Clone(),
		SizeBytes:     int64(len(resp.Body)),
		StoredAt:      g.store.nextStamp(),
	}
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(ctx, g.metaPath(normalized), bytes.NewReader(payload))
}

func (g *fileGeneration) Keys(ctx context.Context) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := filepath.Join(g.dir, entriesDir)
	var metas []entryMeta
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		meta, err := g.readMeta(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByStoredAt(metas)
	keys := make([]*Request, len(metas))
	for i, meta := range metas {
		header := meta.RequestHeader
		if header == nil {
			header = http.Header{}
		}
		keys[i] = &Request{Method: meta.Method, URL: meta.URL, Header: header}
	}
	return keys, nil
}

func (g *fileGeneration) Delete(ctx context.Context, req *Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	normalized, err := NormalizeURL(req.URL)
	if err != nil {
		return false, err
	}
	unlock := g.store.lockEntry(g.name + "::" + normalized)
	defer unlock()

	err = os.Remove(g.metaPath(normalized))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	existed := err == nil
	if rmErr := os.Remove(g.bodyPath(normalized)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return existed, rmErr
	}
	return existed, nil
}

func (g *fileGeneration) readGroup(stripped string) ([]entryMeta, error) {
	entries, err := os.ReadDir(g.groupPath(stripped))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]entryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := g.readMeta(filepath.Join(g.groupPath(stripped), entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	sortByStoredAt(metas)
	return metas, nil
}

func (g *fileGeneration) readMeta(p string) (entryMeta, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache meta %s: %w", p, err)
	}
	return meta, nil
}

func (g *fileGeneration) groupPath(stripped string) string {
	return filepath.Join(g.dir, entriesDir, hashKey(stripped))
}

func (g *fileGeneration) metaPath(fullURL string) string {
	return filepath.Join(g.groupPath(StripSearch(fullURL)), hashKey(fullURL)+metaSuffix)
}

func (g *fileGeneration) bodyPath(fullURL string) string {
	return filepath.Join(g.groupPath(StripSearch(fullURL)), hashKey(fullURL)+bodySuffix)
}

func sortByStoredAt(metas []entryMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].StoredAt < metas[j].StoredAt
	})
}

func hashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
