package domain

import "encoding/json"

// EventType websocket frame 的 type 判別欄位
type EventType string

const (
	// EventMessage 新訊息
	EventMessage EventType = "message"
	// EventMessageStatus 訊息狀態更新（delivered/read）
	EventMessageStatus EventType = "message_status"
	// EventTyping 打字指示 start/stop
	EventTyping EventType = "typing"
	// EventPresence 成員上下線
	EventPresence EventType = "presence"
	// EventPing 心跳
	EventPing EventType = "ping"
	// EventPong 心跳回應
	EventPong EventType = "pong"
	// EventSubscribe 訂閱 channel 的控制 frame
	EventSubscribe EventType = "subscribe"
	// EventUnsubscribe 退訂 channel 的控制 frame
	EventUnsubscribe EventType = "unsubscribe"
)

// ChannelKind 訂閱的 channel 種類
type ChannelKind string

const (
	// ChannelPublic 公開 channel
	ChannelPublic ChannelKind = "public"
	// ChannelPrivate 私人 channel（per-chat）
	ChannelPrivate ChannelKind = "private"
	// ChannelPresence 帶上下線狀態的 channel
	ChannelPresence ChannelKind = "presence"
)

// Frame websocket 上行/下行的 JSON frame。
// 下行事件帶 Channel 標記來源；Payload 依 Type 再解一層。
type Frame struct {
	Type    EventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeFrame 訂閱/退訂控制 frame
type SubscribeFrame struct {
	Type        EventType   `json:"type"`
	Channel     string      `json:"channel"`
	ChannelType ChannelKind `json:"channel_type,omitempty"`
}

// MessageStatusEvent message_status 事件的 payload
type MessageStatusEvent struct {
	ChatID    string        `json:"chat_id"`
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
	At        int64         `json:"at"` // unix ms
}

// TypingEvent typing 事件的 payload
type TypingEvent struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceEvent presence 事件的 payload
type PresenceEvent struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsActive bool   `json:"is_active"`
}
