package task

import "context"

// Store 抽象了任务文档集合，以唯一 ID 为键。
//
// Update 对不存在的 ID 返回 ErrTaskNotFound；Delete 对不存在的 ID 不报错。
type Store interface {
	ListAll(ctx context.Context) ([]Task, error)
	Insert(ctx context.Context, fields Fields) (string, error)
	Update(ctx context.Context, id string, patch Fields) error
	Delete(ctx context.Context, id string) error
	Close() error
}
