package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-edge/internal/config"
	"github.com/any-hub/offline-edge/internal/metrics"
	"github.com/any-hub/offline-edge/internal/notify"
)

// ErrDrainInProgress 表示已有一次 drain 正在执行，本次信号被忽略。
var ErrDrainInProgress = errors.New("drain already in progress")

// DrainState 是 Drainer 的状态。
type DrainState int32

const (
	DrainIdle DrainState = iota
	DrainDraining
)

func (s DrainState) String() string {
	if s == DrainDraining {
		return "draining"
	}
	return "idle"
}

// DrainResult 汇总一次 drain。Skipped 表示 tag 不匹配前缀。
type DrainResult struct {
	Tag       string `json:"tag"`
	Skipped   bool   `json:"skipped,omitempty"`
	Presented int    `json:"presented"`
	Failed    int    `json:"failed"`
	Cleared   bool   `json:"cleared"`
}

// Drainer 在重连信号到来时展示并清空全部记录。
type Drainer struct {
	store     RecordStore
	presenter notify.Presenter
	cfg       config.NotificationConfig
	tagPrefix string
	logger    *logrus.Logger
	metrics   *metrics.Registry

	state atomic.Int32
}

// DrainerOptions 注入 Drainer 依赖。
type DrainerOptions struct {
	Store        RecordStore
	Presenter    notify.Presenter
	Notification config.NotificationConfig
	TagPrefix    string
	Logger       *logrus.Logger
	Metrics      *metrics.Registry
}

// NewDrainer 创建处于 Idle 状态的 Drainer。
func NewDrainer(opts DrainerOptions) *Drainer {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Drainer{
		store:     opts.Store,
		presenter: opts.Presenter,
		cfg:       opts.Notification,
		tagPrefix: opts.TagPrefix,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// State 返回当前状态。
func (d *Drainer) State() DrainState {
	return DrainState(d.state.Load())
}

// Drain 处理一次重连信号：读出全部记录，并发展示后无条件清空（至多一次投递）。
func (d *Drainer) Drain(ctx context.Context, tag string) (DrainResult, error) {
	result := DrainResult{Tag: tag}
	if !strings.HasPrefix(tag, d.tagPrefix) {
		result.Skipped = true
		return result, nil
	}
	if !d.state.CompareAndSwap(int32(DrainIdle), int32(DrainDraining)) {
		return result, ErrDrainInProgress
	}
	defer d.state.Store(int32(DrainIdle))

	var records []Record
	if err := d.store.Update(ctx, func(tx Tx) error {
		var err error
		records, err = tx.GetAll()
		return err
	}); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"action": "drain", "tag": tag}).Error("drain_read_failed")
		return result, fmt.Errorf("read records: %w", err)
	}

	presented, failed := d.presentAll(ctx, records)
	result.Presented = presented
	result.Failed = failed

	if err := d.store.Update(ctx, func(tx Tx) error {
		return tx.Clear()
	}); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"action": "drain", "tag": tag}).Error("drain_clear_failed")
		return result, fmt.Errorf("clear records: %w", err)
	}
	result.Cleared = true

	d.metrics.ObserveDrain(presented, failed)
	d.logger.WithFields(logrus.Fields{
		"action":    "drain",
		"tag":       tag,
		"records":   len(records),
		"presented": presented,
		"failed":    failed,
	}).Info("drain_completed")
	return result, nil
}

func (d *Drainer) presentAll(ctx context.Context, records []Record) (presented, failed int) {
	var (
		wg       sync.WaitGroup
		okCount  atomic.Int32
		errCount atomic.Int32
	)
	for _, rec := range records {
		wg.Add(1)
		go func(rec Record) {
			defer wg.Done()
			body := rec.Message
			if body == "" {
				body = d.cfg.SyncMessage
			}
			opts := notify.NewOptions(d.cfg, body, false)
			if err := d.presenter.Show(ctx, d.cfg.SyncTitle, opts); err != nil {
				errCount.Add(1)
				d.logger.WithError(err).WithFields(logrus.Fields{
					"action":    "drain",
					"timestamp": rec.Timestamp,
				}).Warn("drain_present_failed")
				return
			}
			okCount.Add(1)
		}(rec)
	}
	wg.Wait()
	return int(okCount.Load()), int(errCount.Load())
}
