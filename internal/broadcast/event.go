package broadcast

import (
	"encoding/json"
	"fmt"
)

// Kind 表示变更事件的类型，取值即为推送给客户端的事件名。
type Kind string

const (
	KindAdded   Kind = "taskAdded"
	KindUpdated Kind = "taskUpdated"
	KindDeleted Kind = "taskDeleted"
)

// Valid 判断事件类型是否受支持。
func (k Kind) Valid() bool {
	switch k {
	case KindAdded, KindUpdated, KindDeleted:
		return true
	default:
		return false
	}
}

// Event 是一次任务变更。Payload 在发布时编码一次，扇出时直接复用。
type Event struct {
	Kind    Kind            `json:"event"`
	Payload json.RawMessage `json:"data"`
}

// NewEvent 编码载荷并构造事件。
func NewEvent(kind Kind, payload any) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("未知的事件类型: %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("编码事件载荷失败: %w", err)
	}
	return Event{Kind: kind, Payload: raw}, nil
}

func decodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("解码事件失败: %w", err)
	}
	if !event.Kind.Valid() {
		return Event{}, fmt.Errorf("未知的事件类型: %q", event.Kind)
	}
	return event, nil
}
