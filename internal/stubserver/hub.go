package stubserver

import (
	"encoding/json"
	"sync"
	"time"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/pkg/logger"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub 開發用 stub backend 的 in-memory 狀態。
// 單一 process、不落地，只為了讓 chat client 可以在本地端到端跑起來。
type Hub struct {
	mu       sync.Mutex
	log      *logger.LogInfo
	chats    map[string]*domain.Chat
	messages map[string][]domain.Message
	clients  map[*wsClient]struct{}
}

// wsClient 一條 websocket 連線與它訂閱的 channel
type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	subs   map[string]struct{}
}

// NewHub create Hub
func NewHub(log *logger.LogInfo) *Hub {
	return &Hub{
		log:      log,
		chats:    make(map[string]*domain.Chat),
		messages: make(map[string][]domain.Message),
		clients:  make(map[*wsClient]struct{}),
	}
}

// SeedChat 預先塞一個聊天室，demo 與測試用
func (h *Hub) SeedChat(chat domain.Chat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := chat
	h.chats[c.ID] = &c
}

// Chats 回傳聊天室列表
func (h *Hub) Chats() []domain.Chat {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Chat, 0, len(h.chats))
	for _, c := range h.chats {
		out = append(out, *c)
	}
	return out
}

// MessagesNewestFirst 訊息分頁，newest-first（client 端自己反轉）
func (h *Hub) MessagesNewestFirst(chatID string, limit int) []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.messages[chatID]
	out := make([]domain.Message, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// AppendMessage 建立 server 確認的訊息（配正式 id、echo temp_id）
// 並 broadcast 給聊天室 channel 的訂閱者
func (h *Hub) AppendMessage(chatID, senderID, content, contentType, tempID string) domain.Message {
	ct := domain.ContentType(contentType)
	if ct == "" {
		ct = domain.ContentText
	}
	msg := domain.Message{
		ID:          uuid.New().String(),
		TempID:      tempID,
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		ContentType: ct,
		Status:      domain.StatusSent,
		SentAt:      time.Now().UTC(),
	}

	h.mu.Lock()
	h.messages[chatID] = append(h.messages[chatID], msg)
	c, ok := h.chats[chatID]
	if !ok {
		c = &domain.Chat{ID: chatID, Type: domain.ChatPrivate}
		h.chats[chatID] = c
	}
	m := msg
	c.LastMessage = &m
	c.UpdatedAt = msg.SentAt
	h.mu.Unlock()

	h.Broadcast("chat:"+chatID, domain.EventMessage, msg)
	return msg
}

// MarkRead 把 unread 歸零並 broadcast read 狀態
func (h *Hub) MarkRead(chatID, lastMessageID string) {
	h.mu.Lock()
	if c, ok := h.chats[chatID]; ok {
		c.UnreadCount = 0
	}
	h.mu.Unlock()

	if lastMessageID != "" {
		h.Broadcast("chat:"+chatID, domain.EventMessageStatus, domain.MessageStatusEvent{
			ChatID:    chatID,
			MessageID: lastMessageID,
			Status:    domain.StatusRead,
			At:        time.Now().UnixMilli(),
		})
	}
}

// CreateChat 建立聊天室
func (h *Hub) CreateChat(chatType domain.ChatType, title string, participantIDs []string) domain.Chat {
	if chatType == "" {
		chatType = domain.ChatPrivate
	}
	chat := domain.Chat{
		ID:        uuid.New().String(),
		Type:      chatType,
		Title:     title,
		UpdatedAt: time.Now().UTC(),
	}
	for _, id := range participantIDs {
		chat.Participants = append(chat.Participants, domain.Participant{
			UserID: id,
			ChatID: chat.ID,
			Role:   domain.RoleMember,
		})
	}
	h.mu.Lock()
	c := chat
	h.chats[c.ID] = &c
	h.mu.Unlock()
	return chat
}

// ArchiveChat 封存
func (h *Hub) ArchiveChat(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.chats[chatID]
	if ok {
		c.IsArchived = true
	}
	return ok
}

// LeaveChat 移除成員；stub 簡化成把聊天室整個拿掉
func (h *Hub) LeaveChat(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.chats[chatID]
	delete(h.chats, chatID)
	delete(h.messages, chatID)
	return ok
}

// Broadcast 把事件送給訂閱了 channel 的所有連線
func (h *Hub) Broadcast(channel string, eventType domain.EventType, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorf("broadcast marshal error:", err)
		return
	}
	frame, _ := json.Marshal(domain.Frame{Type: eventType, Channel: channel, Payload: raw})

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		if _, ok := cl.subs[channel]; !ok {
			continue
		}
		select {
		case cl.send <- frame:
		default:
			h.log.Warn("client send queue full, dropping frame", zap.String("channel", channel))
		}
	}
}

func (h *Hub) register(cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[cl] = struct{}{}
}

func (h *Hub) unregister(cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, cl)
}
