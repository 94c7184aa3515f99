package sqlstore

import (
	"bufio"
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"TreasuryGuard/deploy/migrations"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// step 是一个迁移文件，文件名形如 0001_ledger.sql，下划线前为版本号。
type step struct {
	version string
	file    string
	sql     []string
}

// Migrate 依次执行尚未记录在 schema_migrations 中的迁移，返回本次执行的数量。
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) (int, error) {
	dir, err := migrations.Dialect(string(dialect))
	if err != nil {
		return 0, fmt.Errorf("读取 %s 迁移失败: %w", dialect, err)
	}
	steps, err := readSteps(dir)
	if err != nil {
		return 0, err
	}
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, s := range steps {
		if done[s.version] {
			continue
		}
		if err := runStep(ctx, db, s); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已执行迁移失败: %w", err)
	}
	defer rows.Close()
	done := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

func runStep(ctx context.Context, db *sql.DB, s step) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for i, stmt := range s.sql {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", s.file, i+1, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		s.version, s.file, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("记录迁移 %s 失败: %w", s.file, err)
	}
	return tx.Commit()
}

func readSteps(dir fs.FS) ([]step, error) {
	names, err := fs.Glob(dir, "*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]step, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移 %s 失败: %w", name, err)
		}
		stmts := statements(string(raw))
		if len(stmts) == 0 {
			continue
		}
		version, _, _ := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		steps = append(steps, step{version: version, file: name, sql: stmts})
	}
	slices.SortFunc(steps, func(a, b step) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return steps, nil
}

// statements 去掉 "--" 注释行后按分号切分。
func statements(script string) []string {
	var body strings.Builder
	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var out []string
	for _, part := range strings.Split(body.String(), ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
