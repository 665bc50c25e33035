package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteStore 以 PRAGMA user_version 作为数据库版本。
type sqliteStore struct {
	db    *sql.DB
	table string
}

// OpenSQLite 打开 sqlite 记录存储并执行升级。
func OpenSQLite(path, table string) (RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &sqliteStore{db: db, table: table}
	if err := store.upgrade(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade sqlite db: %w", err)
	}
	return store, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// upgrade 建表并删除其它用户表。
func (s *sqliteStore) upgrade(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return err
	}
	var existing []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range existing {
		if name == s.table {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
	}
	create := "CREATE TABLE IF NOT EXISTS " + quoteIdent(s.table) +
		" (timestamp INTEGER PRIMARY KEY, message TEXT NOT NULL, meta TEXT NOT NULL DEFAULT '{}')"
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(&sqliteTx{ctx: ctx, tx: tx, table: quoteIdent(s.table), readOnly: true})
}

func (s *sqliteStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx, table: quoteIdent(s.table)}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	table    string
	readOnly bool
}

func (t *sqliteTx) Put(rec Record) error {
	if t.readOnly {
		return ErrReadOnly
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		"INSERT OR REPLACE INTO "+t.table+" (timestamp, message, meta) VALUES (?, ?, ?)",
		rec.Timestamp, rec.Message, string(meta))
	return err
}

func (t *sqliteTx) GetAll() ([]Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT timestamp, message, meta FROM "+t.table+" ORDER BY timestamp ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var meta string
		if err := rows.Scan(&rec.Timestamp, &rec.Message, &meta); err != nil {
			return nil, err
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
				return nil, fmt.Errorf("decode record %d: %w", rec.Timestamp, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *sqliteTx) Clear() error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM "+t.table)
	return err
}
