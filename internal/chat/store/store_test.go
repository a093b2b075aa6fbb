package store

import (
	"context"
	"testing"
	"time"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/internal/chat/gateway"
	"umrah_chat_service/pkg/errs"
	"umrah_chat_service/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *MockGateway, *fakeTransport) {
	t.Helper()
	gw := new(MockGateway)
	tp := newFakeTransport()
	s := New("me", "pilgrim", gw, tp, logger.NewNop(), opts...)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, gw, tp
}

func inbound(chatID, sender, content string) domain.Message {
	return domain.Message{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		SenderID:    sender,
		Content:     content,
		ContentType: domain.ContentText,
		Status:      domain.StatusSent,
		SentAt:      time.Now(),
	}
}

// 測試 LoadChats 載入列表並訂閱每個聊天室 channel
func TestStore_LoadChats(t *testing.T) {
	s, gw, tp := newTestStore(t)
	gw.On("ListChats", mock.Anything, "pilgrim").Return([]domain.Chat{
		{ID: "7", Title: "Makkah group", UnreadCount: 2},
		{ID: "42", Title: "Support"},
	}, nil)

	assert.NoError(t, s.LoadChats(context.Background()))

	chats := s.Chats()
	assert.Len(t, chats, 2)
	tp.mu.Lock()
	_, ok7 := tp.subs["chat:7"]
	_, ok42 := tp.subs["chat:42"]
	tp.mu.Unlock()
	assert.True(t, ok7)
	assert.True(t, ok42)
	gw.AssertExpectations(t)
}

// 測試非 active 聊天室的 inbound 訊息累加 unread
func TestStore_InboundIncrementsUnreadWhenNotActive(t *testing.T) {
	s, _, tp := newTestStore(t)

	for i := 0; i < 3; i++ {
		tp.pushMessage("chat:7", inbound("7", "u2", "msg"))
	}

	c, ok := s.Chat("7")
	assert.True(t, ok)
	assert.Equal(t, 3, c.UnreadCount)
}

// 測試 active 聊天室的 inbound 訊息不動 unread，更新 last_message
func TestStore_InboundOnActiveChatKeepsUnreadZero(t *testing.T) {
	s, gw, tp := newTestStore(t)
	gw.On("GetMessages", mock.Anything, "7", 50, "").Return([]domain.Message{}, nil)

	assert.NoError(t, s.SelectChat(context.Background(), "7"))

	msg := inbound("7", "u2", "assalamu alaikum")
	tp.pushMessage("chat:7", msg)

	c, ok := s.Chat("7")
	assert.True(t, ok)
	assert.Equal(t, 0, c.UnreadCount)
	assert.NotNil(t, c.LastMessage)
	assert.Equal(t, msg.ID, c.LastMessage.ID)
}

// 測試自己其他裝置 session 的訊息不累加 unread
func TestStore_OwnSessionEchoDoesNotIncrementUnread(t *testing.T) {
	s, _, tp := newTestStore(t)

	tp.pushMessage("chat:7", inbound("7", "me", "sent from my phone"))

	c, ok := s.Chat("7")
	assert.True(t, ok)
	assert.Equal(t, 0, c.UnreadCount)
}

// 測試 unread 只有 mark-read 成功才歸零
func TestStore_MarkAsReadResetsUnreadOnSuccess(t *testing.T) {
	s, gw, tp := newTestStore(t)

	msg := inbound("7", "u2", "hello")
	tp.pushMessage("chat:7", msg)
	c, _ := s.Chat("7")
	assert.Equal(t, 1, c.UnreadCount)

	gw.On("MarkAsRead", mock.Anything, "7", msg.ID).Return(nil)
	assert.NoError(t, s.MarkAsRead(context.Background(), "7"))

	c, _ = s.Chat("7")
	assert.Equal(t, 0, c.UnreadCount)
	gw.AssertExpectations(t)
}

// 測試 mark-read 失敗時 unread 不動、錯誤浮到 observable error
func TestStore_MarkAsReadFailureKeepsUnread(t *testing.T) {
	s, gw, tp := newTestStore(t)

	msg := inbound("7", "u2", "hello")
	tp.pushMessage("chat:7", msg)

	gw.On("MarkAsRead", mock.Anything, "7", msg.ID).
		Return(errs.New(errs.KindTransient, "mark read: status 503"))
	assert.Error(t, s.MarkAsRead(context.Background(), "7"))

	c, _ := s.Chat("7")
	assert.Equal(t, 1, c.UnreadCount)
	assert.Error(t, s.Err())

	s.ClearError()
	assert.NoError(t, s.Err())
}

// 測試 mark-read 冪等：呼叫兩次結果一樣
func TestStore_MarkAsReadIdempotent(t *testing.T) {
	s, gw, tp := newTestStore(t)

	msg := inbound("7", "u2", "hello")
	tp.pushMessage("chat:7", msg)

	gw.On("MarkAsRead", mock.Anything, "7", msg.ID).Return(nil).Twice()
	assert.NoError(t, s.MarkAsRead(context.Background(), "7"))
	assert.NoError(t, s.MarkAsRead(context.Background(), "7"))

	c, _ := s.Chat("7")
	assert.Equal(t, 0, c.UnreadCount)
	gw.AssertNumberOfCalls(t, "MarkAsRead", 2)
}

// 測試樂觀送出：temp 訊息立刻出現，REST 成功後換成 server 確認版
func TestStore_SendMessageOptimisticThenConfirmed(t *testing.T) {
	s, gw, _ := newTestStore(t)

	var capturedTempID string
	gw.On("SendMessage", mock.Anything, mock.MatchedBy(func(req gateway.SendMessageRequest) bool {
		capturedTempID = req.TempID
		return req.ChatID == "42" && req.Content == "hello"
	})).Return(domain.Message{
		ID:          "srv-1",
		ChatID:      "42",
		SenderID:    "me",
		Content:     "hello",
		ContentType: domain.ContentText,
		Status:      domain.StatusSent,
		SentAt:      time.Now(),
	}, nil).Run(func(args mock.Arguments) {
		// REST 回應前，列表裡要已經有 sending 狀態的樂觀訊息
		msgs := s.Messages("42")
		assert.Len(t, msgs, 1)
		assert.Equal(t, domain.StatusSending, msgs[0].Status)
		assert.True(t, domain.IsTempID(msgs[0].ID))
	})

	confirmed, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.NoError(t, err)
	assert.Equal(t, "srv-1", confirmed.ID)
	assert.True(t, domain.IsTempID(capturedTempID))

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)
}

// 測試送出失敗：同一筆標 failed、unread 不受影響
func TestStore_SendMessageFailureMarksFailed(t *testing.T) {
	s, gw, _ := newTestStore(t)

	gw.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindTransient, "POST /chats/42/messages: timeout"))

	_, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.Error(t, err)

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusFailed, msgs[0].Status)

	c, _ := s.Chat("42")
	assert.Equal(t, 0, c.UnreadCount)
}

// 測試 REST 確認與 transport echo 都到齊後只剩一筆 server id
func TestStore_RestConfirmPlusTransportEchoNoDuplicate(t *testing.T) {
	s, gw, tp := newTestStore(t)

	confirmed := domain.Message{
		ID: "srv-1", ChatID: "42", SenderID: "me",
		Content: "hello", ContentType: domain.ContentText,
		Status: domain.StatusSent, SentAt: time.Now(),
	}
	gw.On("SendMessage", mock.Anything, mock.Anything).Return(confirmed, nil)

	_, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.NoError(t, err)

	// backend 也 broadcast 給 sender 的其他訂閱，同 id echo 進來
	echo := confirmed
	tp.pushMessage("chat:42", echo)

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

// 測試 echo 先到、REST 回應後到也只剩一筆（race 的另一邊）
func TestStore_TransportEchoBeforeRestConfirm(t *testing.T) {
	blocked := make(chan struct{})
	s, gw, tp := newTestStore(t)

	confirmed := domain.Message{
		ID: "srv-1", TempID: "", ChatID: "42", SenderID: "me",
		Content: "hello", ContentType: domain.ContentText,
		Status: domain.StatusSent, SentAt: time.Now(),
	}
	gw.On("SendMessage", mock.Anything, mock.Anything).Return(confirmed, nil).
		Run(func(args mock.Arguments) {
			// REST 還沒回應前 echo 先抵達
			req := args.Get(1).(gateway.SendMessageRequest)
			echo := confirmed
			echo.TempID = req.TempID
			tp.pushMessage("chat:42", echo)
			close(blocked)
		})

	_, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.NoError(t, err)
	<-blocked

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

// 測試 echo 先落地、REST 之後才失敗：server 已收到的訊息不標 failed
func TestStore_EchoThenRestFailureKeepsConfirmed(t *testing.T) {
	s, gw, tp := newTestStore(t)

	gw.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindTransient, "response lost")).
		Run(func(args mock.Arguments) {
			// REST 回應掉在路上，但 broadcast echo 已經抵達
			req := args.Get(1).(gateway.SendMessageRequest)
			echo := domain.Message{
				ID: "srv-1", TempID: req.TempID, ChatID: "42", SenderID: "me",
				Content: "hello", ContentType: domain.ContentText,
				Status: domain.StatusSent, SentAt: time.Now(),
			}
			tp.pushMessage("chat:42", echo)
		})

	_, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.Error(t, err)

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)

	// 不是 failed 就不能 resend，不會長出第二筆
	_, err = s.ResendMessage(context.Background(), "42", "srv-1")
	assert.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

// 測試 ResendMessage 只接受 failed 狀態的訊息
func TestStore_ResendMessage(t *testing.T) {
	s, gw, _ := newTestStore(t)

	gw.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindTransient, "timeout")).Once()

	temp, err := s.SendMessage(context.Background(), "42", "hello", domain.ContentText)
	assert.Error(t, err)

	confirmed := domain.Message{
		ID: "srv-2", ChatID: "42", SenderID: "me",
		Content: "hello", ContentType: domain.ContentText,
		Status: domain.StatusSent, SentAt: time.Now(),
	}
	gw.On("SendMessage", mock.Anything, mock.Anything).Return(confirmed, nil).Once()

	got, err := s.ResendMessage(context.Background(), "42", temp.ID)
	assert.NoError(t, err)
	assert.Equal(t, "srv-2", got.ID)

	msgs := s.Messages("42")
	assert.Len(t, msgs, 1)
	assert.Equal(t, "srv-2", msgs[0].ID)

	// 不是 failed 的訊息不能 resend
	_, err = s.ResendMessage(context.Background(), "42", "srv-2")
	assert.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

// 測試 message_status 事件只改既有訊息且不倒退
func TestStore_StatusEventForwardOnly(t *testing.T) {
	s, _, tp := newTestStore(t)

	msg := inbound("7", "u2", "hello")
	tp.pushMessage("chat:7", msg)

	tp.pushStatus(domain.MessageStatusEvent{
		ChatID: "7", MessageID: msg.ID, Status: domain.StatusRead, At: time.Now().UnixMilli(),
	})
	msgs := s.Messages("7")
	assert.Equal(t, domain.StatusRead, msgs[0].Status)

	// 倒退的 delivered 是 no-op
	tp.pushStatus(domain.MessageStatusEvent{
		ChatID: "7", MessageID: msg.ID, Status: domain.StatusDelivered, At: time.Now().UnixMilli(),
	})
	msgs = s.Messages("7")
	assert.Equal(t, domain.StatusRead, msgs[0].Status)

	// 不認識的 message id 不會長出新訊息
	tp.pushStatus(domain.MessageStatusEvent{
		ChatID: "7", MessageID: "ghost", Status: domain.StatusDelivered,
	})
	assert.Len(t, s.Messages("7"), 1)
}

// 測試 typing 指示：start 記錄、stop 移除、TTL 過期防禦
func TestStore_TypingIndicatorLifecycle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s, _, tp := newTestStore(t, WithClock(clock))

	tp.pushTyping(domain.TypingEvent{ChatID: "7", UserID: "u2", IsTyping: true})
	assert.Equal(t, []string{"u2"}, s.TypingUsers("7"))

	// 自己的 typing 事件忽略
	tp.pushTyping(domain.TypingEvent{ChatID: "7", UserID: "me", IsTyping: true})
	assert.Equal(t, []string{"u2"}, s.TypingUsers("7"))

	tp.pushTyping(domain.TypingEvent{ChatID: "7", UserID: "u2", IsTyping: false})
	assert.Empty(t, s.TypingUsers("7"))

	// stop 事件掉了，靠接收端 TTL 過期
	tp.pushTyping(domain.TypingEvent{ChatID: "7", UserID: "u3", IsTyping: true})
	now = now.Add(domain.TypingReceiverTTL + time.Millisecond)
	assert.Empty(t, s.TypingUsers("7"))
}

// 測試 SendTyping 送出 start 並排定 stop timer，重複輸入會重置
func TestStore_SendTypingSchedulesStop(t *testing.T) {
	s, _, tp := newTestStore(t)

	s.SendTyping("7")
	tp.mu.Lock()
	assert.Equal(t, []domain.EventType{domain.EventTyping}, tp.sent)
	ev := tp.sentPayloads[0].(domain.TypingEvent)
	tp.mu.Unlock()
	assert.True(t, ev.IsTyping)
	assert.Equal(t, "me", ev.UserID)

	s.mu.Lock()
	_, scheduled := s.typingStop["7"]
	s.mu.Unlock()
	assert.True(t, scheduled)

	// 繼續輸入只重置 timer，不會提早送 stop
	s.SendTyping("7")
	tp.mu.Lock()
	assert.Len(t, tp.sent, 2)
	tp.mu.Unlock()
}

// 測試 SelectChat 同步設 active，之後才載入訊息
func TestStore_SelectChatSetsActiveBeforeLoad(t *testing.T) {
	s, gw, tp := newTestStore(t)

	gw.On("GetMessages", mock.Anything, "7", 50, "").Return([]domain.Message{}, nil).
		Run(func(args mock.Arguments) {
			// GetMessages 還在飛的時候 active 已經是 7，
			// 同拍抵達的訊息不會累加 unread
			assert.Equal(t, "7", s.ActiveChatID())
			tp.pushMessage("chat:7", inbound("7", "u2", "racing message"))
		})

	assert.NoError(t, s.SelectChat(context.Background(), "7"))

	c, _ := s.Chat("7")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Len(t, s.Messages("7"), 1)
}

// 測試連線狀態鏡射與 aggregate
func TestStore_ConnStateMirrorsTransport(t *testing.T) {
	s, _, tp := newTestStore(t)
	assert.Equal(t, domain.ConnConnected, s.ConnState())

	tp.pushState(domain.ConnReconnecting)
	assert.Equal(t, domain.ConnReconnecting, s.ConnState())

	tp.pushState(domain.ConnError)
	assert.Equal(t, domain.ConnError, s.ConnState())

	// Retry 觸發 transport 重連
	s.Retry(context.Background())
	assert.Equal(t, domain.ConnConnected, s.ConnState())
}

// 測試 LeaveChat 清掉本地 state 並退訂
func TestStore_LeaveChatCleansUp(t *testing.T) {
	s, gw, tp := newTestStore(t)
	tp.pushMessage("chat:7", inbound("7", "u2", "hello"))

	gw.On("GetMessages", mock.Anything, "7", 50, "").Return([]domain.Message{}, nil).Maybe()
	assert.NoError(t, s.SelectChat(context.Background(), "7"))

	gw.On("LeaveChat", mock.Anything, "7").Return(nil)
	assert.NoError(t, s.LeaveChat(context.Background(), "7"))

	_, ok := s.Chat("7")
	assert.False(t, ok)
	assert.Empty(t, s.Messages("7"))
	assert.Empty(t, s.ActiveChatID())
	tp.mu.Lock()
	_, subbed := tp.subs["chat:7"]
	tp.mu.Unlock()
	assert.False(t, subbed)
}

// 測試 Reset 丟掉所有 entity（登出）
func TestStore_ResetDiscardsEverything(t *testing.T) {
	s, _, tp := newTestStore(t)
	tp.pushMessage("chat:7", inbound("7", "u2", "hello"))

	s.Reset()

	assert.Empty(t, s.Chats())
	assert.Empty(t, s.Messages("7"))
	assert.NoError(t, s.Err())
}

// 測試 OnChange 的 disposer 生效
func TestStore_OnChangeDisposer(t *testing.T) {
	s, _, tp := newTestStore(t)

	calls := 0
	off := s.OnChange(func() { calls++ })
	tp.pushMessage("chat:7", inbound("7", "u2", "a"))
	assert.Greater(t, calls, 0)

	before := calls
	off()
	tp.pushMessage("chat:7", inbound("7", "u2", "b"))
	assert.Equal(t, before, calls)
}

// 測試 CreateChat 成功後訂閱新聊天室
func TestStore_CreateChat(t *testing.T) {
	s, gw, tp := newTestStore(t)
	created := domain.Chat{ID: "new-1", Type: domain.ChatGroup, Title: "Madinah group"}
	gw.On("CreateChat", mock.Anything, domain.ChatGroup, "Madinah group", []string{"me", "u2"}).
		Return(created, nil)

	chat, err := s.CreateChat(context.Background(), domain.ChatGroup, "Madinah group", []string{"me", "u2"})
	assert.NoError(t, err)
	assert.Equal(t, "new-1", chat.ID)

	tp.mu.Lock()
	_, subbed := tp.subs["chat:new-1"]
	tp.mu.Unlock()
	assert.True(t, subbed)
}
