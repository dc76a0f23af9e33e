package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLVault keeps the whole hierarchy in one SQLite table keyed by path. The
// conditional relocation is a single UPDATE guarded by the source path, so the
// row count tells a loser from a winner without any extra locking.
type SQLVault struct {
	db *sqlx.DB
}

const sqlVaultSchema = `
CREATE TABLE IF NOT EXISTS records (
	path       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

func NewSQLVault(dbPath string) (*SQLVault, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqlVaultSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLVault{db: db}, nil
}

func (v *SQLVault) Close() error {
	return v.db.Close()
}

func (v *SQLVault) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := v.db.QueryRowxContext(ctx, "SELECT data FROM records WHERE path = ?", path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (v *SQLVault) Write(ctx context.Context, path string, data []byte) error {
	_, err := v.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (path, data, updated_at) VALUES (?, ?, ?)",
		path, data, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (v *SQLVault) List(ctx context.Context, dir string) ([]string, error) {
	prefix := dir + "/"
	rows, err := v.db.QueryxContext(ctx,
		"SELECT path FROM records WHERE path LIKE ? ORDER BY path", prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// deeper records surface as their first path component, the way a
	// directory listing would show a subdirectory
	var names []string
	seen := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(p, prefix)
		if i := strings.Index(name, "/"); i >= 0 {
			name = name[:i]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func (v *SQLVault) Move(ctx context.Context, src, dst string) error {
	res, err := v.db.ExecContext(ctx,
		"UPDATE records SET path = ?, updated_at = ? WHERE path = ?",
		dst, time.Now().UTC().Format(time.RFC3339Nano), src)
	if err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (v *SQLVault) Delete(ctx context.Context, path string) error {
	res, err := v.db.ExecContext(ctx, "DELETE FROM records WHERE path = ?", path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (v *SQLVault) Exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := v.db.QueryRowxContext(ctx, "SELECT 1 FROM records WHERE path = ?", path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ Vault = (*SQLVault)(nil)
