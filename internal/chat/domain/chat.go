package domain

import "time"

// ChatType 聊天室類型
type ChatType string

const (
	// ChatPrivate 1 on 1 聊天
	ChatPrivate ChatType = "private"
	// ChatGroup 群組聊天
	ChatGroup ChatType = "group"
	// ChatSupport 客服聊天
	ChatSupport ChatType = "support"
)

// Role 成員角色
type Role string

const (
	// RoleAdmin 管理員
	RoleAdmin Role = "admin"
	// RoleMember 一般成員
	RoleMember Role = "member"
	// RoleModerator 板主
	RoleModerator Role = "moderator"
)

// Participant 聊天室成員。IsActive/IsTyping 都是 best-effort 的即時狀態
type Participant struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	Name     string `json:"name,omitempty"`
	Role     Role   `json:"role"`
	IsActive bool   `json:"is_active"`
	IsTyping bool   `json:"is_typing"`
}

// Chat 表示一個聊天室。
// UnreadCount 只會被成功的 mark-read 歸零，任何樂觀遞減都不允許，
// 避免 mark-read 失敗時少算。LastMessage 是非正規化快取，可能落後訊息列表。
type Chat struct {
	ID           string        `json:"id"`
	Type         ChatType      `json:"type"`
	Title        string        `json:"title"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
	IsPinned     bool          `json:"is_pinned"`
	IsMuted      bool          `json:"is_muted"`
	IsArchived   bool          `json:"is_archived"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HasParticipant 檢查 user 是否在聊天室內
func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// TypingIndicator 打字指示，(chat_id, user_id) 為 key，不落地。
// 發送端 3 秒沒動作要送 stop；接收端另外用 ExpiresAt 防禦性過期
// （1.5 倍，4.5 秒），避免 stop 事件掉了之後永遠卡在 is typing。
type TypingIndicator struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"-"`
}

const (
	// TypingStopTimeout 發送端無動作後要送出 stop 的時限
	TypingStopTimeout = 3 * time.Second
	// TypingReceiverTTL 接收端防禦性過期時間
	TypingReceiverTTL = 4500 * time.Millisecond
)
