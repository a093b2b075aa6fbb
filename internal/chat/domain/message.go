package domain

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// MessageStatus 訊息投遞狀態，只能往前推進
type MessageStatus string

const (
	// StatusSending 樂觀訊息，尚未取得 server 確認
	StatusSending MessageStatus = "sending"
	// StatusSent server 已收到
	StatusSent MessageStatus = "sent"
	// StatusDelivered 對方裝置已收到
	StatusDelivered MessageStatus = "delivered"
	// StatusRead 對方已讀
	StatusRead MessageStatus = "read"
	// StatusFailed 發送失敗，可由 sending/sent 進入，等待使用者 resend
	StatusFailed MessageStatus = "failed"
)

// statusRank 狀態推進順序，failed 為旁支不參與排序
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceTo 檢查狀態是否允許轉移到 next。
// 狀態只能往前走（sending→sent→delivered→read），
// 套用舊狀態（例如 read 之後又收到 sent）一律視為 no-op。
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == StatusFailed {
		// 只有尚未確認送達的訊息可以標記失敗
		return s == StatusSending || s == StatusSent
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	n, ok := statusRank[next]
	if !ok {
		return false
	}
	return n > cur
}

// ContentType 訊息內容類型
type ContentType string

const (
	// ContentText 純文字
	ContentText ContentType = "text"
	// ContentImage 圖片
	ContentImage ContentType = "image"
	// ContentDocument 文件檔案
	ContentDocument ContentType = "document"
	// ContentVoice 語音
	ContentVoice ContentType = "voice"
	// ContentVideo 影片
	ContentVideo ContentType = "video"
	// ContentLocation 位置
	ContentLocation ContentType = "location"
	// ContentSystem 系統訊息（入群、退群等）
	ContentSystem ContentType = "system"
)

// Attachment 附件描述，實際上傳由 backend 處理
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message 表示一則聊天訊息。
// ID 在 server 確認前是 temp-<unixms>-<rand> 格式的暫時 id，
// 確認後換成 server 配發的 id，TempID 保留原值做對帳用。
type Message struct {
	ID          string        `json:"id"`
	TempID      string        `json:"temp_id,omitempty"`
	ChatID      string        `json:"chat_id"`
	SenderID    string        `json:"sender_id"`
	Content     string        `json:"message"`
	ContentType ContentType   `json:"type"`
	Status      MessageStatus `json:"status"`
	SentAt      time.Time     `json:"sent_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	EditedAt    *time.Time    `json:"edited_at,omitempty"`
	IsEdited    bool          `json:"is_edited"`
	IsDeleted   bool          `json:"is_deleted"`
	ReplyToID   string        `json:"reply_to_id,omitempty"`
	Mentions    []string      `json:"mentions,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

const tempIDPrefix = "temp-"

// NewTempID 產生樂觀訊息用的暫時 id
func NewTempID() string {
	return fmt.Sprintf("%s%d-%06d", tempIDPrefix, time.Now().UnixMilli(), rand.Intn(1_000_000))
}

// IsTempID 檢查 id 是否為暫時 id
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// IsPending 尚未取得 server 確認的樂觀訊息
func (m *Message) IsPending() bool {
	return m.Status == StatusSending && IsTempID(m.ID)
}

// ApplyStatus 套用狀態更新，狀態不允許倒退；回傳是否有變更
func (m *Message) ApplyStatus(next MessageStatus, at time.Time) bool {
	if !m.Status.CanAdvanceTo(next) {
		return false
	}
	m.Status = next
	switch next {
	case StatusDelivered:
		m.DeliveredAt = &at
	case StatusRead:
		m.ReadAt = &at
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	}
	return true
}
