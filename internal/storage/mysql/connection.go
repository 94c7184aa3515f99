package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/storage/sqlstore"
	"TreasuryGuard/pkg/logger"
)

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// normalizeDSN 强制 parseTime 与 UTC，时间列按 time.Time 扫描。
func normalizeDSN(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "MySQL DSN 不能为空")
	}
	parsed, err := driver.ParseDSN(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MySQL DSN 格式错误")
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// Open 建立连接池，按需执行迁移并返回账本仓库。
func Open(ctx context.Context, cfg Config, opts ...sqlstore.Option) (*sqlstore.Repository, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if cfg.AutoMigrate {
		applied, err := sqlstore.Migrate(ctx, db, sqlstore.DialectMySQL)
		if err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行 MySQL 迁移失败")
		}
		logger.Named("storage").Info("MySQL 迁移完成", slog.Int("applied", applied))
	}
	return sqlstore.New(db, sqlstore.DialectMySQL, opts...), nil
}
