package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"umrah_chat_service/internal/chat/domain"
)

// backend 的欄位名稱不穩定（id 可能是數字或字串、內文可能叫
// message 或 content、時間可能是 unix ms 或 RFC3339），全部在這層
// normalize 成 domain 的嚴格型別，不讓 ad hoc 欄位名漏進 store。

type chatDTO struct {
	ID           json.RawMessage  `json:"id"`
	Type         string           `json:"type"`
	Title        string           `json:"title"`
	Participants []participantDTO `json:"participants"`
	LastMessage  *messageDTO      `json:"last_message"`
	UnreadCount  int              `json:"unread_count"`
	IsPinned     bool             `json:"is_pinned"`
	IsMuted      bool             `json:"is_muted"`
	IsArchived   bool             `json:"is_archived"`
	UpdatedAt    json.RawMessage  `json:"updated_at"`
}

type participantDTO struct {
	UserID   json.RawMessage `json:"user_id"`
	ChatID   json.RawMessage `json:"chat_id"`
	Name     string          `json:"name"`
	Role     string          `json:"role"`
	IsActive bool            `json:"is_active"`
	IsTyping bool            `json:"is_typing"`
}

type messageDTO struct {
	ID          json.RawMessage `json:"id"`
	TempID      string          `json:"temp_id"`
	ChatID      json.RawMessage `json:"chat_id"`
	SenderID    json.RawMessage `json:"sender_id"`
	Message     string          `json:"message"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	SentAt      json.RawMessage `json:"sent_at"`
	DeliveredAt json.RawMessage `json:"delivered_at"`
	ReadAt      json.RawMessage `json:"read_at"`
	EditedAt    json.RawMessage `json:"edited_at"`
	IsEdited    bool            `json:"is_edited"`
	IsDeleted   bool            `json:"is_deleted"`
	ReplyToID   string          `json:"reply_to_id"`
	Mentions    []string        `json:"mentions"`
	Attachments []attachmentDTO `json:"attachments"`
}

type attachmentDTO struct {
	ID       json.RawMessage `json:"id"`
	Name     string          `json:"name"`
	URL      string          `json:"url"`
	MimeType string          `json:"mime_type"`
	Size     int64           `json:"size"`
}

// asID backend 的 id 可能是 "42" 或 42，統一轉字串
func asID(raw json.RawMessage) string {
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

// asTime 接受 RFC3339 字串或 unix 秒/毫秒
func asTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n)
		}
		return time.Time{}
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fromUnix(n)
	}
	return time.Time{}
}

// fromUnix 13 位數以上當毫秒，否則當秒
func fromUnix(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func asTimePtr(raw json.RawMessage) *time.Time {
	t := asTime(raw)
	if t.IsZero() {
		return nil
	}
	return &t
}

func (d *messageDTO) toDomain() domain.Message {
	content := d.Message
	if content == "" {
		content = d.Content
	}
	ct := domain.ContentType(d.Type)
	if ct == "" {
		ct = domain.ContentText
	}
	st := domain.MessageStatus(d.Status)
	if st == "" {
		// server 回傳的訊息至少是 sent
		st = domain.StatusSent
	}
	msg := domain.Message{
		ID:          asID(d.ID),
		TempID:      d.TempID,
		ChatID:      asID(d.ChatID),
		SenderID:    asID(d.SenderID),
		Content:     content,
		ContentType: ct,
		Status:      st,
		SentAt:      asTime(d.SentAt),
		DeliveredAt: asTimePtr(d.DeliveredAt),
		ReadAt:      asTimePtr(d.ReadAt),
		EditedAt:    asTimePtr(d.EditedAt),
		IsEdited:    d.IsEdited,
		IsDeleted:   d.IsDeleted,
		ReplyToID:   d.ReplyToID,
		Mentions:    d.Mentions,
	}
	for _, a := range d.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			ID:       asID(a.ID),
			Name:     a.Name,
			URL:      a.URL,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
	}
	return msg
}

func (d *chatDTO) toDomain() domain.Chat {
	ct := domain.ChatType(d.Type)
	if ct == "" {
		ct = domain.ChatPrivate
	}
	chat := domain.Chat{
		ID:          asID(d.ID),
		Type:        ct,
		Title:       d.Title,
		UnreadCount: d.UnreadCount,
		IsPinned:    d.IsPinned,
		IsMuted:     d.IsMuted,
		IsArchived:  d.IsArchived,
		UpdatedAt:   asTime(d.UpdatedAt),
	}
	if chat.UnreadCount < 0 {
		chat.UnreadCount = 0
	}
	for _, p := range d.Participants {
		role := domain.Role(p.Role)
		if role == "" {
			role = domain.RoleMember
		}
		chat.Participants = append(chat.Participants, domain.Participant{
			UserID:   asID(p.UserID),
			ChatID:   asID(p.ChatID),
			Name:     p.Name,
			Role:     role,
			IsActive: p.IsActive,
			IsTyping: p.IsTyping,
		})
	}
	if d.LastMessage != nil {
		m := d.LastMessage.toDomain()
		chat.LastMessage = &m
	}
	return chat
}
