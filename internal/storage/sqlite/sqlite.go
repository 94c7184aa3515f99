// Package sqlite 提供单机部署使用的 SQLite 账本仓库。
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/storage/sqlstore"
)

// Open 打开（必要时创建）数据库文件并执行迁移。
// SQLite 只允许单个写连接，连接池上限固定为 1。
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "SQLite 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建数据目录失败")
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 SQLite")
	}
	if _, err := sqlstore.Migrate(ctx, db, sqlstore.DialectSQLite); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行 SQLite 迁移失败")
	}
	return sqlstore.New(db, sqlstore.DialectSQLite, opts...), nil
}
