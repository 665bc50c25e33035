package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Queue 负责分配严格递增的主键并追加记录。
type Queue struct {
	store RecordStore
	now   func() time.Time

	mu   sync.Mutex
	last int64
}

// New 从存储中恢复最后一个主键，保证重启后主键仍然递增。
func New(ctx context.Context, store RecordStore) (*Queue, error) {
	q := &Queue{store: store, now: time.Now}
	err := store.View(ctx, func(tx Tx) error {
		records, err := tx.GetAll()
		if err != nil {
			return err
		}
		if n := len(records); n > 0 {
			q.last = records[n-1].Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover queue keys: %w", err)
	}
	return q, nil
}

// Store 返回底层记录存储。
func (q *Queue) Store() RecordStore {
	return q.store
}

// Enqueue 追加一条记录。主键取当前纳秒时间，不大于上一个主键时取上一个加一。
func (q *Queue) Enqueue(ctx context.Context, message string, meta map[string]any) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := q.now().UnixNano()
	if key <= q.last {
		key = q.last + 1
	}
	rec := Record{Timestamp: key, Message: message, Meta: meta}
	if err := q.store.Update(ctx, func(tx Tx) error {
		return tx.Put(rec)
	}); err != nil {
		return Record{}, fmt.Errorf("enqueue record: %w", err)
	}
	q.last = key
	return rec, nil
}

// Pending 只读地返回当前全部记录。
func (q *Queue) Pending(ctx context.Context) ([]Record, error) {
	var records []Record
	err := q.store.View(ctx, func(tx Tx) error {
		var err error
		records, err = tx.GetAll()
		return err
	})
	return records, err
}
