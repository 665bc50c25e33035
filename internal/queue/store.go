package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/any-hub/offline-edge/internal/config"
)

// schemaVersion 是记录存储的结构版本，升级时删除其它表。
const schemaVersion = 1

// Record 是一条待展示的通知。
type Record struct {
	Timestamp int64          `json:"timestamp"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Tx 是一次读或读写作用域内可用的操作。
type Tx interface {
	Put(rec Record) error
	// GetAll 按主键升序返回全部记录。
	GetAll() ([]Record, error)
	Clear() error
}

// RecordStore 是通知队列的持久化能力。
type RecordStore interface {
	// View 在只读作用域中执行 fn，Put/Clear 返回 ErrReadOnly。
	View(ctx context.Context, fn func(Tx) error) error
	// Update 在读写作用域中执行 fn，fn 返回错误时整体回滚。
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

var (
	// ErrReadOnly 表示在只读作用域中尝试写入。
	ErrReadOnly = errors.New("record store scope is read-only")
	// ErrUnknownBackend 表示配置了不支持的存储后端。
	ErrUnknownBackend = errors.New("unknown record store backend")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// OpenStore 按配置打开记录存储，数据文件放在 <storagePath>/queue 下。
func OpenStore(cfg config.QueueConfig, storagePath string) (RecordStore, error) {
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid queue table %q", cfg.Table)
	}
	if !tableNamePattern.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid queue name %q", cfg.Name)
	}
	dir := filepath.Join(storagePath, "queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	switch cfg.Backend {
	case config.QueueBackendLevelDB, "":
		return OpenLevelDB(filepath.Join(dir, cfg.Name+".ldb"), cfg.Table)
	case config.QueueBackendSQLite:
		return OpenSQLite(filepath.Join(dir, cfg.Name+".sqlite"), cfg.Table)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
