package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/logging"
)

// ReconnectFunc 在离线 → 在线切换时被调用，tag 为后台同步标签。
type ReconnectFunc func(ctx context.Context, tag string) error

// Options 注入 Watcher 依赖。
type Options struct {
	Client    *http.Client
	Target    string
	Tag       string
	Interval  time.Duration
	Reconnect ReconnectFunc
	Logger    *logrus.Logger
}

// Watcher 周期性探测源站，检测到重新联网时发出重连信号。
type Watcher struct {
	client    *http.Client
	target    string
	tag       string
	interval  time.Duration
	reconnect ReconnectFunc
	logger    *logrus.Entry

	mu     sync.Mutex
	online bool
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建初始状态为在线的 Watcher。
func New(opts Options) *Watcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Watcher{
		client:    client,
		target:    opts.Target,
		tag:       opts.Tag,
		interval:  opts.Interval,
		reconnect: opts.Reconnect,
		logger:    logging.Component(opts.Logger, "connectivity"),
		online:    true,
	}
}

// Start 按 Interval 注册探测任务；Interval 为 0 时不启动。
func (w *Watcher) Start(ctx context.Context) error {
	if w.interval <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("connectivity watcher already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{w.logger}),
		cron.Recover(cronLogger{w.logger}),
	))
	spec := fmt.Sprintf("@every %s", w.interval)
	if _, err := c.AddFunc(spec, func() { w.Check(w.ctx) }); err != nil {
		w.cancel()
		return fmt.Errorf("schedule probe %q: %w", spec, err)
	}
	c.Start()
	w.cron = c
	w.logger.WithFields(logrus.Fields{"action": "probe_start", "spec": spec, "target": w.target}).Info("connectivity_watch_started")
	return nil
}

// Stop 停止调度并等待正在执行的探测结束，或 ctx 超时。
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	cancel := w.cancel
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}

	stopCtx := c.Stop()
	cancel()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Online 返回最近一次探测结果。
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Check 执行一次探测，返回当前是否在线以及本次是否触发了重连信号。
func (w *Watcher) Check(ctx context.Context) (online bool, reconnected bool) {
	online = w.probe(ctx)

	w.mu.Lock()
	previous := w.online
	w.online = online
	w.mu.Unlock()

	fields := logrus.Fields{"action": "probe", "target": w.target, "online": online}
	if previous == online {
		w.logger.WithFields(fields).Debug("probe_complete")
		return online, false
	}
	w.logger.WithFields(fields).Info("connectivity_changed")
	if !online || w.reconnect == nil {
		return online, false
	}

	if err := w.reconnect(ctx, w.tag); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("reconnect_signal_failed")
	}
	return online, true
}

// probe 以 HEAD 请求探测源站，任何 HTTP 响应都视为在线。
func (w *Watcher) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.target, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// cronLogger 把 cron 内部日志接到 logrus。
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
