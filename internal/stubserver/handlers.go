package stubserver

import (
	"encoding/json"
	"strconv"
	"time"

	"umrah_chat_service/internal/chat/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// REST handlers，全部回 {"data": ...} envelope

func (h *Hub) listChats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.Chats()})
}

func (h *Hub) getMessages(c *fiber.Ctx) error {
	chatID := c.Params("id")
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	return c.JSON(fiber.Map{"data": h.MessagesNewestFirst(chatID, limit)})
}

func (h *Hub) sendMessage(c *fiber.Ctx) error {
	chatID := c.Params("id")
	content := c.FormValue("message")
	if content == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "message is required",
		})
	}
	senderID, _ := c.Locals(localUserID).(string)
	msg := h.AppendMessage(chatID, senderID, content, c.FormValue("type"), c.FormValue("temp_id"))
	return c.JSON(fiber.Map{"data": msg})
}

func (h *Hub) markRead(c *fiber.Ctx) error {
	var body struct {
		LastMessageID string `json:"last_message_id"`
	}
	_ = c.BodyParser(&body)
	h.MarkRead(c.Params("id"), body.LastMessageID)
	return c.JSON(fiber.Map{"success": true})
}

func (h *Hub) createChat(c *fiber.Ctx) error {
	var body struct {
		Type         string   `json:"type"`
		Title        string   `json:"title"`
		Participants []string `json:"participants"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "invalid body",
		})
	}
	chat := h.CreateChat(domain.ChatType(body.Type), body.Title, body.Participants)
	return c.JSON(fiber.Map{"data": chat})
}

func (h *Hub) archiveChat(c *fiber.Ctx) error {
	if !h.ArchiveChat(c.Params("id")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *Hub) leaveChat(c *fiber.Ctx) error {
	if !h.LeaveChat(c.Params("id")) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "chat not found"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// HandleConnection websocket 連線的進入點：
// 控制 frame（subscribe/unsubscribe/ping）在這裡處理，
// typing 原樣 rebroadcast 給 channel 訂閱者
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals(localUserID).(string)
	cl := &wsClient{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
		subs:   make(map[string]struct{}),
	}
	h.register(cl)
	done := make(chan struct{})

	defer func() {
		h.unregister(cl)
		close(done)
		conn.Close()
		h.log.Infof("websocket close:", userID)
	}()

	// 單一 writer goroutine 消化送出佇列
	go func() {
		for {
			select {
			case b, ok := <-cl.send:
				if !ok {
					return
				}
				if err := cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				h.log.Errorf("websocket read error:", err)
			}
			return
		}
		h.handleFrame(cl, raw)
	}
}

func (h *Hub) handleFrame(cl *wsClient, raw []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.log.Errorf("frame decode error:", err)
		return
	}

	switch frame.Type {
	case domain.EventSubscribe:
		var sub domain.SubscribeFrame
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Channel == "" {
			return
		}
		h.mu.Lock()
		cl.subs[sub.Channel] = struct{}{}
		h.mu.Unlock()
	case domain.EventUnsubscribe:
		var sub domain.SubscribeFrame
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Channel == "" {
			return
		}
		h.mu.Lock()
		delete(cl.subs, sub.Channel)
		h.mu.Unlock()
	case domain.EventTyping:
		var ev domain.TypingEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return
		}
		ev.UserID = cl.userID
		h.Broadcast("chat:"+ev.ChatID, domain.EventTyping, ev)
	case domain.EventPing:
		b, _ := json.Marshal(domain.Frame{Type: domain.EventPong})
		select {
		case cl.send <- b:
		default:
		}
	}
}

// DeliverAfter 模擬對方裝置回報 delivered，demo 用
func (h *Hub) DeliverAfter(chatID, messageID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		h.Broadcast("chat:"+chatID, domain.EventMessageStatus, domain.MessageStatusEvent{
			ChatID:    chatID,
			MessageID: messageID,
			Status:    domain.StatusDelivered,
			At:        time.Now().UnixMilli(),
		})
	})
}
