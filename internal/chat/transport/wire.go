package transport

import (
	"encoding/json"
	"time"

	"umrah_chat_service/internal/chat/domain"
)

// wireMessage websocket 下行的 message payload。
// 跟 REST 一樣在邊界 normalize，id 可能是數字或字串。
type wireMessage struct {
	ID        json.RawMessage `json:"id"`
	TempID    string          `json:"temp_id"`
	ChatID    json.RawMessage `json:"chat_id"`
	SenderID  json.RawMessage `json:"sender_id"`
	Message   string          `json:"message"`
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	SentAt    json.RawMessage `json:"sent_at"`
	IsEdited  bool            `json:"is_edited"`
	IsDeleted bool            `json:"is_deleted"`
	ReplyToID string          `json:"reply_to_id"`
}

func wireID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func wireTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return time.Time{}
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	return time.Time{}
}

func (w *wireMessage) toDomain() domain.Message {
	content := w.Message
	if content == "" {
		content = w.Content
	}
	ct := domain.ContentType(w.Type)
	if ct == "" {
		ct = domain.ContentText
	}
	st := domain.MessageStatus(w.Status)
	if st == "" {
		st = domain.StatusSent
	}
	sentAt := wireTime(w.SentAt)
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return domain.Message{
		ID:          wireID(w.ID),
		TempID:      w.TempID,
		ChatID:      wireID(w.ChatID),
		SenderID:    wireID(w.SenderID),
		Content:     content,
		ContentType: ct,
		Status:      st,
		SentAt:      sentAt,
		IsEdited:    w.IsEdited,
		IsDeleted:   w.IsDeleted,
		ReplyToID:   w.ReplyToID,
	}
}
