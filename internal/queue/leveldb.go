package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	ldbTablesKey  = "meta/tables"
	ldbVersionKey = "meta/version"
)

// levelStore 用 key 前缀 t/<table>/ 模拟表，meta/tables 记录已知表。
type levelStore struct {
	db     *leveldb.DB
	prefix []byte
}

// OpenLevelDB 打开（必要时创建）goleveldb 记录存储并执行升级。
func OpenLevelDB(path, table string) (RecordStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	store := &levelStore{db: db, prefix: tablePrefix(table)}
	if err := store.upgrade(table); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade leveldb: %w", err)
	}
	return store, nil
}

func tablePrefix(table string) []byte {
	return []byte("t/" + table + "/")
}

// upgrade 删除除 table 外的其它表，并写入当前版本。
func (s *levelStore) upgrade(table string) error {
	var tables []string
	raw, err := s.db.Get([]byte(ldbTablesKey), nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &tables); err != nil {
			return fmt.Errorf("decode table list: %w", err)
		}
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return err
	}

	batch := new(leveldb.Batch)
	for _, name := range tables {
		if name == table {
			continue
		}
		it := s.db.NewIterator(util.BytesPrefix(tablePrefix(name)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	encoded, _ := json.Marshal([]string{table})
	batch.Put([]byte(ldbTablesKey), encoded)
	batch.Put([]byte(ldbVersionKey), []byte(fmt.Sprintf("%d", schemaVersion)))
	return s.db.Write(batch, nil)
}

func (s *levelStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return fn(&levelTx{reader: snap, prefix: s.prefix})
}

func (s *levelStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := fn(&levelTx{reader: tr, writer: tr, prefix: s.prefix}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelReader interface {
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelWriter interface {
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

type levelTx struct {
	reader levelReader
	writer levelWriter
	prefix []byte
}

func (t *levelTx) key(ts int64) []byte {
	// 定长十进制保证字典序与数值序一致。
	return append(append([]byte(nil), t.prefix...), []byte(fmt.Sprintf("%020d", ts))...)
}

func (t *levelTx) Put(rec Record) error {
	if t.writer == nil {
		return ErrReadOnly
	}
	if rec.Timestamp < 0 {
		return fmt.Errorf("negative record key %d", rec.Timestamp)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.writer.Put(t.key(rec.Timestamp), payload, nil)
}

func (t *levelTx) GetAll() ([]Record, error) {
	it := t.reader.NewIterator(util.BytesPrefix(t.prefix), nil)
	defer it.Release()

	var records []Record
	for it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", it.Key(), err)
		}
		records = append(records, rec)
	}
	return records, it.Error()
}

func (t *levelTx) Clear() error {
	if t.writer == nil {
		return ErrReadOnly
	}
	it := t.reader.NewIterator(util.BytesPrefix(t.prefix), nil)
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.writer.Delete(key, nil); err != nil {
			return err
		}
	}
	return nil
}
