package syncer

import (
	"encoding/json"
	"fmt"
	"time"
)

// CollabType 协作对象类型
type CollabType string

const (
	CollabTypeDocument      CollabType = "document"
	CollabTypeDatabase      CollabType = "database"
	CollabTypeDatabaseRow   CollabType = "database_row"
	CollabTypeView          CollabType = "view"
	CollabTypeFolder        CollabType = "folder"
	CollabTypeUserAwareness CollabType = "user_awareness"
)

// MessageType 同步消息类型
type MessageType string

const (
	// MessageTypeUpdate 增量更新
	MessageTypeUpdate MessageType = "update"

	// MessageTypeSyncRequest 请求对端回放完整状态
	MessageTypeSyncRequest MessageType = "sync_request"

	// MessageTypeFullSync 完整状态回放
	MessageTypeFullSync MessageType = "full_sync"
)

// Envelope 同步信封
// 所有经过传输层和广播器的消息都使用这一结构
type Envelope struct {
	ObjectID   string      `json:"objectId"`
	CollabType CollabType  `json:"collabType"`
	Type       MessageType `json:"type"`

	// Origin 发送方标识，用于过滤自己发出的回声
	Origin string `json:"origin,omitempty"`

	// Version 消息所属的数据版本标签
	// 为空表示与版本无关，接收方直接应用
	Version *string `json:"version,omitempty"`

	// Payload CRDT 更新内容
	Payload []byte `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// EncodeEnvelope 序列化信封
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope 反序列化信封
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.ObjectID == "" {
		return nil, fmt.Errorf("envelope missing object id")
	}
	return &env, nil
}

// Sender 出站消息发送端
// 由具体传输实现（WebSocket、进程内通道）提供
type Sender interface {
	Send(env *Envelope) error
}

// SenderFunc 函数式 Sender 适配器
type SenderFunc func(env *Envelope) error

func (f SenderFunc) Send(env *Envelope) error { return f(env) }
