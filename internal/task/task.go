package task

import (
	"bytes"
	"encoding/json"
	"sort"

	xerrors "TaskSync/internal/errors"
)

// IDField 是任务文档中标识字段的名称，与前端及 MongoDB 约定一致。
const IDField = "_id"

// Fields 表示调用方自定义的任务字段集合，系统不约束其结构。
type Fields map[string]any

// Task 是一条任务文档：存储分配的标识加上任意字段。
type Task struct {
	ID     string
	Fields Fields
}

// MarshalJSON 将任务编码为带 _id 的扁平对象。
func (t Task) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(t.Fields)+1)
	for key, value := range t.Fields {
		doc[key] = value
	}
	doc[IDField] = t.ID
	return json.Marshal(doc)
}

// UnmarshalJSON 解析扁平任务对象。
func (t *Task) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return ErrMalformedTask
	}
	id, _ := doc[IDField].(string)
	delete(doc, IDField)
	t.ID = id
	t.Fields = Fields(doc)
	return nil
}

// Update 是一次部分更新，对应广播中的 taskUpdated 载荷。
type Update struct {
	ID          string `json:"id"`
	UpdatedData Fields `json:"updatedData"`
}

// InsertResult 是 REST 新建任务的响应体。
type InsertResult struct {
	Acknowledged bool   `json:"acknowledged"`
	InsertedID   string `json:"insertedId"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrMalformedTask 表示任务载荷不是 JSON 对象。
	ErrMalformedTask = xerrors.New(xerrors.CodeMalformedInput, "任务载荷必须是 JSON 对象")
	// ErrEmptyUpdate 表示更新中没有任何字段。
	ErrEmptyUpdate = xerrors.New(xerrors.CodeMalformedInput, "更新字段不能为空")
	// ErrMissingID 表示请求中没有任务 ID。
	ErrMissingID = xerrors.New(xerrors.CodeMalformedInput, "任务 ID 不能为空")
)

const CodeTaskNotFound xerrors.Code = "TASK_NOT_FOUND"

func init() {
	attr := xerrors.AttributesOf(xerrors.CodeNotFound)
	attr.Message = "task not found"
	xerrors.Register(CodeTaskNotFound, attr)
}

// ParseFields 将原始 JSON 解析为字段集合，并剔除调用方携带的 _id。
func ParseFields(raw []byte) (Fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformedTask
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedInput, err, "任务载荷解析失败")
	}
	return fields.withoutID(), nil
}

func (f Fields) withoutID() Fields {
	if f == nil {
		return Fields{}
	}
	delete(f, IDField)
	return f
}

// Keys 返回排好序的字段名。
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone 深拷贝字段，嵌套的对象与数组不会与原值共享。
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	cloned := make(Fields, len(f))
	for key, value := range f {
		cloned[key] = cloneValue(value)
	}
	return cloned
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return map[string]any(Fields(v).Clone())
	case Fields:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
