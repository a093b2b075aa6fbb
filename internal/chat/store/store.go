package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/internal/chat/gateway"
	"umrah_chat_service/pkg/errs"
	"umrah_chat_service/pkg/logger"

	"go.uber.org/zap"
)

// Gateway store 依賴的 REST 操作，對齊 gateway.RESTGateway
type Gateway interface {
	ListChats(ctx context.Context, userType string) ([]domain.Chat, error)
	GetMessages(ctx context.Context, chatID string, limit int, beforeID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, req gateway.SendMessageRequest) (domain.Message, error)
	MarkAsRead(ctx context.Context, chatID, lastMessageID string) error
	CreateChat(ctx context.Context, chatType domain.ChatType, title string, participantIDs []string) (domain.Chat, error)
	ArchiveChat(ctx context.Context, chatID string) error
	LeaveChat(ctx context.Context, chatID string) error
}

// Transport store 依賴的 websocket 操作，對齊 transport.ChannelClient
type Transport interface {
	Connect(ctx context.Context)
	Close()
	State() domain.ConnState
	Subscribe(channel string, kind domain.ChannelKind)
	Unsubscribe(channel string)
	Send(eventType domain.EventType, payload interface{}) error
	OnMessage(h func(channel string, msg domain.Message)) func()
	OnStatusChange(h func(ev domain.MessageStatusEvent)) func()
	OnTyping(h func(ev domain.TypingEvent)) func()
	OnPresence(h func(ev domain.PresenceEvent)) func()
	OnConnState(h func(state domain.ConnState)) func()
}

// Store chat 狀態的唯一 writer。transport 與 gateway 只回傳資料
// 或發事件，所有 mutation 都走 Store 的 action method，
// UI 不直接碰 transport。
//
// 兩個獨立事件源（REST 回應、transport push）可能對同一則
// 邏輯訊息 race，正確性靠 reconcile.go 的 dedup-by-id 規則，
// 不是靠鎖的順序。
type Store struct {
	selfID   string
	userType string
	gw       Gateway
	tp       Transport
	log      *logger.LogInfo
	strategy MatchStrategy
	clock    func() time.Time

	mu           sync.Mutex
	chats        map[string]*domain.Chat
	messages     map[string][]domain.Message
	activeChatID string
	connState    domain.ConnState
	typing       map[string]map[string]time.Time // chatID → userID → 過期時間
	typingStop   map[string]*time.Timer          // chatID → 自己的 stop timer
	lastErr      error

	handlerID int
	observers map[int]func()

	disposers []func()
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   bool
}

// Option Store 的建構選項
type Option func(*Store)

// WithMatchStrategy 指定樂觀訊息的比對策略，預設 TempIDEcho
func WithMatchStrategy(s MatchStrategy) Option {
	return func(st *Store) { st.strategy = s }
}

// WithClock 注入時鐘，單測用
func WithClock(clock func() time.Time) Option {
	return func(st *Store) { st.clock = clock }
}

// New create Store。selfID 是目前使用者，自己送的訊息
// （含其他裝置的 session）不會累加 unread。
func New(selfID, userType string, gw Gateway, tp Transport, log *logger.LogInfo, opts ...Option) *Store {
	s := &Store{
		selfID:     selfID,
		userType:   userType,
		gw:         gw,
		tp:         tp,
		log:        log,
		strategy:   TempIDEcho{},
		clock:      time.Now,
		chats:      make(map[string]*domain.Chat),
		messages:   make(map[string][]domain.Message),
		connState:  domain.ConnDisconnected,
		typing:     make(map[string]map[string]time.Time),
		typingStop: make(map[string]*time.Timer),
		observers:  make(map[int]func()),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 註冊 transport handler、連線並訂閱個人通知 channel。
// 登入後呼叫一次；登出呼叫 Stop。
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.disposers = append(s.disposers,
		s.tp.OnMessage(s.onInboundMessage),
		s.tp.OnStatusChange(s.onStatusEvent),
		s.tp.OnTyping(s.onTypingEvent),
		s.tp.OnPresence(s.onPresenceEvent),
		s.tp.OnConnState(s.onConnState),
	)

	s.tp.Subscribe("user:"+s.selfID, domain.ChannelPrivate)
	s.tp.Connect(ctx)

	go s.typingJanitor()
}

// Stop 登出時的 teardown，解除註冊並關閉連線
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.mu.Lock()
	for chatID, timer := range s.typingStop {
		timer.Stop()
		delete(s.typingStop, chatID)
	}
	s.mu.Unlock()
	for _, d := range s.disposers {
		d()
	}
	s.disposers = nil
	s.tp.Close()
}

// Reset 清掉所有本地狀態（登出或 reconnect-from-scratch）
func (s *Store) Reset() {
	s.mu.Lock()
	s.chats = make(map[string]*domain.Chat)
	s.messages = make(map[string][]domain.Message)
	s.activeChatID = ""
	s.typing = make(map[string]map[string]time.Time)
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()
}

// ===== 快照 state，全部回傳 copy =====

// Chats 聊天室列表，pinned 在前，再按 UpdatedAt 新→舊
func (s *Store) Chats() []domain.Chat {
	s.mu.Lock()
	out := make([]domain.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPinned != out[j].IsPinned {
			return out[i].IsPinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Chat 單一聊天室快照
func (s *Store) Chat(chatID string) (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.Chat{}, false
	}
	return *c, true
}

// Messages 某聊天室的訊息，sent_at 舊→新
func (s *Store) Messages(chatID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[chatID]
	out := make([]domain.Message, len(list))
	copy(out, list)
	return out
}

// ActiveChatID 目前開啟的聊天室，可能為空
func (s *Store) ActiveChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChatID
}

// ConnState 對外的 aggregate 連線狀態
func (s *Store) ConnState() domain.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.AggregateStatus(s.connState)
}

// TypingUsers 某聊天室正在打字的 user id
func (s *Store) TypingUsers(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	out := make([]string, 0)
	for userID, expires := range s.typing[chatID] {
		if now.Before(expires) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// Err 最後一個浮上來的錯誤，toast 被動消費用
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ClearError 清掉 observable error
func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.notify()
}

// OnChange 註冊 state 變更通知，回傳取消註冊的函式
func (s *Store) OnChange(h func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerID++
	id := s.handlerID
	s.observers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	handlers := make([]func(), 0, len(s.observers))
	for _, h := range s.observers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// setErr 把錯誤鏡射到 observable error 欄位。
// validation 類只回給發起的呼叫端，不污染全域 state。
func (s *Store) setErr(err error) {
	if err == nil || errs.KindOf(err) == errs.KindValidation {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ===== actions =====

// LoadChats 初始載入聊天室列表，server 的 unread 為準
func (s *Store) LoadChats(ctx context.Context) error {
	chats, err := s.gw.ListChats(ctx, s.userType)
	if err != nil {
		s.setErr(err)
		s.notify()
		return err
	}

	s.mu.Lock()
	for i := range chats {
		c := chats[i]
		s.chats[c.ID] = &c
	}
	s.mu.Unlock()

	for i := range chats {
		s.tp.Subscribe("chat:"+chats[i].ID, domain.ChannelPrivate)
	}
	s.notify()
	return nil
}

// SelectChat 切換聊天室。active 必須在任何 I/O 之前同步設好，
// 否則訊息跟切換同拍抵達時 unread 會多算或少算。
func (s *Store) SelectChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	s.activeChatID = chatID
	loaded := len(s.messages[chatID]) > 0
	s.mu.Unlock()
	s.notify()

	s.tp.Subscribe("chat:"+chatID, domain.ChannelPrivate)

	if loaded {
		return nil
	}
	msgs, err := s.gw.GetMessages(ctx, chatID, 50, "")
	if err != nil {
		s.setErr(err)
		s.notify()
		return err
	}

	s.mu.Lock()
	list := s.messages[chatID]
	for _, m := range msgs {
		list, _ = upsertIncoming(list, m, s.strategy)
	}
	s.messages[chatID] = list
	s.mu.Unlock()
	s.notify()
	return nil
}

// SendMessage 樂觀送出：先同步插一筆 sending 狀態的 temp 訊息，
// REST 成功後原 slot 換成 server 確認版，失敗改標 failed。
// 多筆 in-flight 各自帶自己的 temp id，回應亂序也互不干擾。
func (s *Store) SendMessage(ctx context.Context, chatID, content string, contentType domain.ContentType) (domain.Message, error) {
	if contentType == "" {
		contentType = domain.ContentText
	}
	temp := domain.Message{
		ID:          domain.NewTempID(),
		ChatID:      chatID,
		SenderID:    s.selfID,
		Content:     content,
		ContentType: contentType,
		Status:      domain.StatusSending,
		SentAt:      s.clock(),
	}
	temp.TempID = temp.ID

	s.mu.Lock()
	list := append(s.messages[chatID], temp)
	sortBySentAt(list)
	s.messages[chatID] = list
	s.touchChatLocked(chatID, &temp)
	s.mu.Unlock()
	s.notify()

	confirmed, err := s.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ChatID:      chatID,
		Content:     content,
		ContentType: contentType,
		TempID:      temp.ID,
	})
	if err != nil {
		s.mu.Lock()
		failSend(s.messages[chatID], temp.ID)
		s.mu.Unlock()
		s.setErr(err)
		s.notify()
		s.log.Errorf("send message failed:", err, zap.String("chat_id", chatID))
		return temp, err
	}

	s.mu.Lock()
	s.messages[chatID] = confirmSend(s.messages[chatID], temp.ID, confirmed)
	s.touchChatLocked(chatID, &confirmed)
	s.mu.Unlock()
	s.notify()
	return confirmed, nil
}

// ResendMessage 對 failed 訊息的明確 resend。原 entry 移除，
// 用同樣內容走一次新的樂觀送出。
func (s *Store) ResendMessage(ctx context.Context, chatID, messageID string) (domain.Message, error) {
	s.mu.Lock()
	var failed *domain.Message
	list := s.messages[chatID]
	for i := range list {
		if list[i].ID == messageID && list[i].Status == domain.StatusFailed {
			m := list[i]
			failed = &m
			s.messages[chatID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if failed == nil {
		return domain.Message{}, errs.New(errs.KindValidation, "message is not in failed state")
	}
	s.notify()
	return s.SendMessage(ctx, chatID, failed.Content, failed.ContentType)
}

// MarkAsRead 標記已讀。冪等；unread 只有在 REST 成功後才歸零，
// 失敗時維持原值並浮出 transient 錯誤（不允許樂觀歸零）。
func (s *Store) MarkAsRead(ctx context.Context, chatID string) error {
	s.mu.Lock()
	lastID := ""
	list := s.messages[chatID]
	for i := len(list) - 1; i >= 0; i-- {
		if !domain.IsTempID(list[i].ID) {
			lastID = list[i].ID
			break
		}
	}
	s.mu.Unlock()

	if err := s.gw.MarkAsRead(ctx, chatID, lastID); err != nil {
		s.setErr(err)
		s.notify()
		return err
	}

	s.mu.Lock()
	if c, ok := s.chats[chatID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreateChat 建立聊天室並訂閱
func (s *Store) CreateChat(ctx context.Context, chatType domain.ChatType, title string, participantIDs []string) (domain.Chat, error) {
	chat, err := s.gw.CreateChat(ctx, chatType, title, participantIDs)
	if err != nil {
		s.setErr(err)
		s.notify()
		return domain.Chat{}, err
	}

	s.mu.Lock()
	c := chat
	s.chats[c.ID] = &c
	s.mu.Unlock()
	s.tp.Subscribe("chat:"+chat.ID, domain.ChannelPrivate)
	s.notify()
	return chat, nil
}

// ArchiveChat 封存聊天室
func (s *Store) ArchiveChat(ctx context.Context, chatID string) error {
	if err := s.gw.ArchiveChat(ctx, chatID); err != nil {
		s.setErr(err)
		s.notify()
		return err
	}
	s.mu.Lock()
	if c, ok := s.chats[chatID]; ok {
		c.IsArchived = true
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// LeaveChat 離開聊天室，本地 state 一併移除
func (s *Store) LeaveChat(ctx context.Context, chatID string) error {
	if err := s.gw.LeaveChat(ctx, chatID); err != nil {
		s.setErr(err)
		s.notify()
		return err
	}
	s.tp.Unsubscribe("chat:" + chatID)
	s.mu.Lock()
	delete(s.chats, chatID)
	delete(s.messages, chatID)
	delete(s.typing, chatID)
	if timer, ok := s.typingStop[chatID]; ok {
		timer.Stop()
		delete(s.typingStop, chatID)
	}
	if s.activeChatID == chatID {
		s.activeChatID = ""
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SendTyping 送打字指示，best-effort，失敗只記 log 不浮錯。
// 每次呼叫重置 stop timer，停止輸入 TypingStopTimeout 後自動送 stop。
func (s *Store) SendTyping(chatID string) {
	err := s.tp.Send(domain.EventTyping, domain.TypingEvent{
		ChatID:   chatID,
		UserID:   s.selfID,
		IsTyping: true,
	})
	if err != nil {
		s.log.Debug("typing indicator dropped", zap.String("chat_id", chatID))
		return
	}

	s.mu.Lock()
	if timer, ok := s.typingStop[chatID]; ok {
		timer.Stop()
	}
	s.typingStop[chatID] = time.AfterFunc(domain.TypingStopTimeout, func() {
		s.mu.Lock()
		delete(s.typingStop, chatID)
		s.mu.Unlock()
		_ = s.tp.Send(domain.EventTyping, domain.TypingEvent{
			ChatID:   chatID,
			UserID:   s.selfID,
			IsTyping: false,
		})
	})
	s.mu.Unlock()
}

// Retry 從 error 狀態手動重連
func (s *Store) Retry(ctx context.Context) {
	s.tp.Connect(ctx)
}

// touchChatLocked 更新 last_message 快取與 UpdatedAt。
// chat 不存在時建立 placeholder（transport push 可能先於列表載入）。
func (s *Store) touchChatLocked(chatID string, msg *domain.Message) {
	c, ok := s.chats[chatID]
	if !ok {
		c = &domain.Chat{ID: chatID, Type: domain.ChatPrivate}
		s.chats[chatID] = c
	}
	if c.LastMessage == nil || !msg.SentAt.Before(c.LastMessage.SentAt) {
		m := *msg
		c.LastMessage = &m
	}
	if msg.SentAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.SentAt
	}
}

// ===== transport 事件（單一 dispatch goroutine 進來，照抵達順序）=====

// onInboundMessage backend 也會把自己送的訊息 broadcast 回來
// （其他分頁/裝置），同 id 靠 upsertIncoming 吃掉，不會重複。
func (s *Store) onInboundMessage(channel string, msg domain.Message) {
	if msg.ChatID == "" {
		return
	}
	s.mu.Lock()
	list, appended := upsertIncoming(s.messages[msg.ChatID], msg, s.strategy)
	s.messages[msg.ChatID] = list

	// unread 累加規則：真的新增了一筆、聊天室不是 active、
	// 而且不是自己（含其他裝置 session）送的
	if appended && msg.ChatID != s.activeChatID && msg.SenderID != s.selfID {
		c, ok := s.chats[msg.ChatID]
		if !ok {
			c = &domain.Chat{ID: msg.ChatID, Type: domain.ChatPrivate}
			s.chats[msg.ChatID] = c
		}
		c.UnreadCount++
	}
	s.touchChatLocked(msg.ChatID, &msg)
	s.mu.Unlock()
	s.notify()
}

// onStatusEvent delivered/read 更新只改既有訊息，不會長出新 entity
func (s *Store) onStatusEvent(ev domain.MessageStatusEvent) {
	s.mu.Lock()
	changed := false
	list := s.messages[ev.ChatID]
	for i := range list {
		if list[i].ID == ev.MessageID {
			at := time.UnixMilli(ev.At)
			if ev.At == 0 {
				at = s.clock()
			}
			changed = list[i].ApplyStatus(ev.Status, at)
			break
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) onTypingEvent(ev domain.TypingEvent) {
	if ev.UserID == s.selfID {
		return
	}
	s.mu.Lock()
	if ev.IsTyping {
		if s.typing[ev.ChatID] == nil {
			s.typing[ev.ChatID] = make(map[string]time.Time)
		}
		s.typing[ev.ChatID][ev.UserID] = s.clock().Add(domain.TypingReceiverTTL)
	} else {
		delete(s.typing[ev.ChatID], ev.UserID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) onPresenceEvent(ev domain.PresenceEvent) {
	s.mu.Lock()
	changed := false
	if c, ok := s.chats[ev.ChatID]; ok {
		for i := range c.Participants {
			if c.Participants[i].UserID == ev.UserID {
				c.Participants[i].IsActive = ev.IsActive
				changed = true
				break
			}
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) onConnState(state domain.ConnState) {
	s.mu.Lock()
	s.connState = state
	s.mu.Unlock()
	s.notify()
}

// typingJanitor 防禦性清掉過期的打字指示。
// stop 事件掉了也不會永遠卡在 is typing。
func (s *Store) typingJanitor() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := s.clock()
			changed := false
			s.mu.Lock()
			for chatID, users := range s.typing {
				for userID, expires := range users {
					if now.After(expires) {
						delete(users, userID)
						changed = true
					}
				}
				if len(users) == 0 {
					delete(s.typing, chatID)
				}
			}
			s.mu.Unlock()
			if changed {
				s.notify()
			}
		case <-s.stopCh:
			return
		}
	}
}
