package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Schema version tracking:
// 1 - kv table
const currentSchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	tbl   TEXT NOT NULL,
	k     BLOB NOT NULL,
	v     BLOB NOT NULL,
	PRIMARY KEY (tbl, k)
) WITHOUT ROWID;
`

// SQLiteKV stores every table in one kv(tbl, k, v) relation.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at path in WAL mode.
func OpenSQLite(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return newSQLiteKV(db), nil
}

func newSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// classifySQLite maps lock contention onto ErrTransientAbort.
func classifySQLite(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransientAbort, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLiteKV) Get(ctx context.Context, table string, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE tbl = ? AND k = ?`, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite("sqlite get "+table, err)
	}
	return value, nil
}

func (s *SQLiteKV) Scan(ctx context.Context, table string, from, to []byte, fn func(key, value []byte) error) error {
	query := `SELECT k, v FROM kv WHERE tbl = ? AND k >= ? ORDER BY k`
	args := []any{table, nonNil(from)}
	if to != nil {
		query = `SELECT k, v FROM kv WHERE tbl = ? AND k >= ? AND k < ? ORDER BY k`
		args = append(args, to)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLite("sqlite scan "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return classifySQLite("sqlite scan "+table, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classifySQLite("sqlite scan "+table, err)
	}
	return nil
}

func (s *SQLiteKV) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("sqlite begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range b.ops {
		if op.delete {
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND k = ?`, op.table, op.key)
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?) ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v`, op.table, op.key, op.value)
		}
		if err != nil {
			return classifySQLite("sqlite write "+op.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite("sqlite commit", err)
	}
	return nil
}

func (s *SQLiteKV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteKV) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// blob comparisons treat NULL as unknown, so an open lower bound is x''
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

var _ KV = (*SQLiteKV)(nil)
