package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "TaskSync/internal/errors"
	sqlstore "TaskSync/internal/storage/mysql"
)

// MySQLStore 将任务文档保存在 MySQL 的 JSON 列中。
type MySQLStore struct {
	db    *sql.DB
	newID func() string
}

// NewMySQLStore 打开连接池、执行迁移并返回 MySQLStore。
func NewMySQLStore(ctx context.Context, cfg sqlstore.Config) (*MySQLStore, error) {
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 任务存储失败")
	}
	return &MySQLStore{db: db, newID: uuid.NewString}, nil
}

// ListAll 按插入顺序返回全部任务。
func (s *MySQLStore) ListAll(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		fields := Fields{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码任务文档失败",
					xerrors.WithMetadata("task_id", id))
			}
		}
		results = append(results, Task{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	if results == nil {
		results = []Task{}
	}
	return results, nil
}

// Insert 写入新文档，ID 由 uuid 生成。
func (s *MySQLStore) Insert(ctx context.Context, fields Fields) (string, error) {
	doc, err := json.Marshal(fields.Clone().withoutID())
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeMalformedInput, err, "编码任务文档失败")
	}

	const stmt = `INSERT INTO tasks (id, document, created_at, updated_at) VALUES (?, ?, ?, ?)`
	for attempt := 0; attempt < 3; attempt++ {
		id := s.newID()
		now := time.Now().Unix()
		_, err = s.db.ExecContext(ctx, stmt, id, doc, now, now)
		if err == nil {
			return id, nil
		}
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062) {
			break
		}
	}
	return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
}

// Update 使用 JSON_SET 逐字段合并，未出现在 patch 中的字段保持不变。
func (s *MySQLStore) Update(ctx context.Context, id string, patch Fields) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}
	patch = patch.Clone().withoutID()
	if len(patch) == 0 {
		return ErrEmptyUpdate
	}
	stmt, args, err := buildMergeStatement(id, patch, time.Now().Unix())
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected > 0 {
		return nil
	}
	// MySQL 对内容未变化的行返回 0，需要再确认记录是否存在。
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return nil
}

// Delete 删除任务，记录不存在时不报错。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildMergeStatement(id string, patch Fields, updatedAt int64) (string, []any, error) {
	var builder strings.Builder
	builder.WriteString("UPDATE tasks SET document = JSON_SET(document")
	args := make([]any, 0, len(patch)*2+2)
	for _, key := range patch.Keys() {
		value, err := json.Marshal(patch[key])
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeMalformedInput, err, "编码更新字段失败",
				xerrors.WithMetadata("field", key))
		}
		builder.WriteString(", ?, CAST(? AS JSON)")
		args = append(args, jsonPathForKey(key), string(value))
	}
	builder.WriteString("), updated_at = ? WHERE id = ?")
	args = append(args, updatedAt, id)
	return builder.String(), args, nil
}

// jsonPathForKey 生成只匹配顶层字段的 JSON 路径，字段名中的特殊字符会被转义。
func jsonPathForKey(key string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(key)
	return `$."` + escaped + `"`
}

var _ Store = (*MySQLStore)(nil)
