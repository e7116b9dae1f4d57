package task

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore 以内存方式保存任务文档，按插入顺序返回，主要用于测试与本地开发。
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]Fields
	newID func() string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]Fields),
		newID: uuid.NewString,
	}
}

// ListAll 实现 Store 接口。
func (m *MemoryStore) ListAll(_ context.Context) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		results = append(results, Task{ID: id, Fields: m.tasks[id].Clone()})
	}
	return results, nil
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, fields Fields) (string, error) {
	doc := fields.Clone().withoutID()

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	for {
		if _, exists := m.tasks[id]; !exists {
			break
		}
		id = m.newID()
	}
	m.tasks[id] = doc
	m.order = append(m.order, id)
	return id, nil
}

// Update 将 patch 合并到已有文档。
func (m *MemoryStore) Update(_ context.Context, id string, patch Fields) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}
	patch = patch.Clone().withoutID()
	if len(patch) == 0 {
		return ErrEmptyUpdate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	for key, value := range patch {
		doc[key] = value
	}
	return nil
}

// Delete 删除文档，不存在时直接返回。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return nil
	}
	delete(m.tasks, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
