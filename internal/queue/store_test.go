package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/any-hub/offline-edge/internal/config"
)

type storeFactory func(t *testing.T, dir, table string) RecordStore

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"leveldb": func(t *testing.T, dir, table string) RecordStore {
			t.Helper()
			store, err := OpenLevelDB(filepath.Join(dir, "pwa-db.ldb"), table)
			if err != nil {
				t.Fatalf("open leveldb: %v", err)
			}
			return store
		},
		"sqlite": func(t *testing.T, dir, table string) RecordStore {
			t.Helper()
			store, err := OpenSQLite(filepath.Join(dir, "pwa-db.sqlite"), table)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return store
		},
	}
}

func TestRecordStoreOrdersByKey(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir(), "pwa-store")
			defer store.Close()

			err := store.Update(context.Background(), func(tx Tx) error {
				for _, rec := range []Record{
					{Timestamp: 30, Message: "c"},
					{Timestamp: 10, Message: "a", Meta: map[string]any{"k": "v"}},
					{Timestamp: 20, Message: "b"},
				} {
					if err := tx.Put(rec); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("update error: %v", err)
			}

			var records []Record
			if err := store.View(context.Background(), func(tx Tx) error {
				var err error
				records, err = tx.GetAll()
				return err
			}); err != nil {
				t.Fatalf("view error: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("expected 3 records, got %d", len(records))
			}
			for i, want := range []string{"a", "b", "c"} {
				if records[i].Message != want {
					t.Fatalf("record %d: want %s got %s", i, want, records[i].Message)
				}
			}
			if records[0].Meta["k"] != "v" {
				t.Fatalf("meta not preserved: %+v", records[0].Meta)
			}
		})
	}
}

func TestRecordStoreClear(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir(), "pwa-store")
			defer store.Close()

			_ = store.Update(context.Background(), func(tx Tx) error {
				return tx.Put(Record{Timestamp: 1, Message: "x"})
			})
			if err := store.Update(context.Background(), func(tx Tx) error { return tx.Clear() }); err != nil {
				t.Fatalf("clear error: %v", err)
			}
			_ = store.View(context.Background(), func(tx Tx) error {
				records, err := tx.GetAll()
				if err != nil {
					t.Fatalf("getAll error: %v", err)
				}
				if len(records) != 0 {
					t.Fatalf("expected empty store, got %d", len(records))
				}
				return nil
			})
		})
	}
}

func TestRecordStoreViewIsReadOnly(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir(), "pwa-store")
			defer store.Close()

			err := store.View(context.Background(), func(tx Tx) error {
				return tx.Put(Record{Timestamp: 1, Message: "x"})
			})
			if !errors.Is(err, ErrReadOnly) {
				t.Fatalf("expected ErrReadOnly, got %v", err)
			}
		})
	}
}

func TestRecordStoreUpdateRollsBack(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			store := open(t, t.TempDir(), "pwa-store")
			defer store.Close()

			boom := errors.New("boom")
			err := store.Update(context.Background(), func(tx Tx) error {
				if err := tx.Put(Record{Timestamp: 1, Message: "x"}); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			_ = store.View(context.Background(), func(tx Tx) error {
				records, _ := tx.GetAll()
				if len(records) != 0 {
					t.Fatalf("rolled back put should not persist, got %d", len(records))
				}
				return nil
			})
		})
	}
}

func TestRecordStoreUpgradeDropsOtherTables(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			old := open(t, dir, "legacy-store")
			_ = old.Update(context.Background(), func(tx Tx) error {
				return tx.Put(Record{Timestamp: 1, Message: "legacy"})
			})
			old.Close()

			current := open(t, dir, "pwa-store")
			_ = current.Close()

			reopened := open(t, dir, "legacy-store")
			defer reopened.Close()
			_ = reopened.View(context.Background(), func(tx Tx) error {
				records, _ := tx.GetAll()
				if len(records) != 0 {
					t.Fatalf("legacy table should have been dropped, got %d records", len(records))
				}
				return nil
			})
		})
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := OpenStore(config.QueueConfig{Backend: "redis", Name: "pwa-db", Table: "pwa-store"}, t.TempDir())
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	for _, backend := range []string{config.QueueBackendLevelDB, config.QueueBackendSQLite} {
		store, err := OpenStore(config.QueueConfig{Backend: backend, Name: "pwa-db", Table: "pwa-store"}, t.TempDir())
		if err != nil {
			t.Fatalf("open %s: %v", backend, err)
		}
		store.Close()
	}
}
