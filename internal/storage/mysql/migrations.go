package mysql

import (
	"bufio"
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"TaskSync/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

// migrateLock 是多个实例同时启动时用于串行化迁移的 MySQL 命名锁。
const (
	migrateLock        = "tasksync.schema"
	migrateLockTimeout = 30 // 秒
)

const versionTableDDL = `CREATE TABLE IF NOT EXISTS schema_versions (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    script VARCHAR(255) NOT NULL,
    applied_at BIGINT NOT NULL
)`

type script struct {
	version    string
	file       string
	statements []string
}

// Migrate 在命名锁保护下按版本应用尚未记录的内嵌脚本。
func Migrate(ctx context.Context, db *sql.DB) error {
	scripts, err := readScripts(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	release, err := acquireLock(ctx, conn)
	if err != nil {
		return err
	}
	defer release()

	if _, err := conn.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("创建 schema_versions 表失败: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	for _, s := range pending(scripts, applied) {
		if err := s.apply(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func acquireLock(ctx context.Context, conn *sql.Conn) (func(), error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, migrateLock, migrateLockTimeout).Scan(&got); err != nil {
		return nil, fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		return nil, fmt.Errorf("等待迁移锁超时 (%ds)", migrateLockTimeout)
	}
	return func() {
		var released sql.NullInt64
		_ = conn.QueryRowContext(context.WithoutCancel(ctx), `SELECT RELEASE_LOCK(?)`, migrateLock).Scan(&released)
	}, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("查询已应用的迁移失败: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("解析迁移版本失败: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// apply 的 DDL 会被 MySQL 隐式提交，脚本需要可重复执行。
func (s script) apply(ctx context.Context, conn *sql.Conn) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range s.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", s.file, i+1, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_versions (version, script, applied_at) VALUES (?, ?, ?)`,
		s.version, s.file, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("记录迁移 %s 失败: %w", s.version, err)
	}
	return tx.Commit()
}

func pending(scripts []script, applied map[string]bool) []script {
	var out []script
	for _, s := range scripts {
		if !applied[s.version] {
			out = append(out, s)
		}
	}
	return out
}

// readScripts 读取 fsys 根目录下的 *.sql，按版本排序。版本重复视为错误。
func readScripts(fsys fs.FS) ([]script, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移脚本失败: %w", err)
	}

	scripts := make([]script, 0, len(names))
	for _, name := range names {
		version, err := scriptVersion(name)
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移脚本 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		scripts = append(scripts, script{version: version, file: name, statements: statements})
	}

	slices.SortFunc(scripts, func(a, b script) int { return cmp.Compare(a.version, b.version) })
	for i := 1; i < len(scripts); i++ {
		if scripts[i].version == scripts[i-1].version {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s, %s", scripts[i].version, scripts[i-1].file, scripts[i].file)
		}
	}
	return scripts, nil
}

// scriptVersion 取文件名中第一个 '_' 或 '.' 之前的部分。
func scriptVersion(name string) (string, error) {
	version := name
	if i := strings.IndexAny(name, "_."); i >= 0 {
		version = name[:i]
	}
	if version == "" {
		return "", fmt.Errorf("迁移脚本 %s 缺少版本号", name)
	}
	return version, nil
}

// splitStatements 逐行扫描脚本，以行尾分号结束语句，整行 -- 注释被忽略。
func splitStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if strings.HasSuffix(trimmed, ";") {
			current.WriteString(strings.TrimRight(line, " \t;"))
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return statements
}
