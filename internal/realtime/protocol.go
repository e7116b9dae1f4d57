package realtime

import (
	"bytes"
	"encoding/json"

	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/task"
)

// 客户端发往服务端的事件名。
const (
	EventNewTask    = "newTask"
	EventUpdateTask = "updateTask"
	EventDeleteTask = "deleteTask"
	// EventAck 只发给携带 ref 的发送方。
	EventAck = "ack"
)

// Envelope 是 websocket 上双向使用的消息格式。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// Ack 是对带 ref 请求的确认。
type Ack struct {
	OK    bool      `json:"ok"`
	ID    string    `json:"id,omitempty"`
	Error *AckError `json:"error,omitempty"`
}

// AckError 描述失败原因。
type AckError struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

var errMalformedEnvelope = xerrors.New(xerrors.CodeMalformedInput, "消息必须是包含 event 字段的 JSON 对象")

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeMalformedInput, err, "消息解析失败")
	}
	if env.Event == "" {
		return env, errMalformedEnvelope
	}
	return env, nil
}

func decodeUpdate(data json.RawMessage) (task.Update, error) {
	var update task.Update
	if err := json.Unmarshal(data, &update); err != nil {
		return task.Update{}, xerrors.Wrap(xerrors.CodeMalformedInput, err, "更新载荷解析失败")
	}
	return update, nil
}

func decodeID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(bytes.TrimSpace(data), &id); err != nil {
		return "", xerrors.Wrap(xerrors.CodeMalformedInput, err, "deleteTask 载荷必须是字符串 ID")
	}
	return id, nil
}

func newAck(ref, id string, err error) ([]byte, error) {
	ack := Ack{OK: err == nil, ID: id}
	if err != nil {
		ack.Error = &AckError{Code: xerrors.CodeOf(err), Message: xerrors.MessageOf(err)}
	}
	data, marshalErr := json.Marshal(ack)
	if marshalErr != nil {
		return nil, marshalErr
	}
	return json.Marshal(Envelope{Event: EventAck, Data: data, Ref: ref})
}
