package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/pkg/config"
	"umrah_chat_service/pkg/errs"
	"umrah_chat_service/pkg/logger"
	"umrah_chat_service/pkg/token"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ChannelClient 維護一條對 messaging backend 的 websocket 連線。
// 所有失敗都變成狀態轉移事件，不會對 caller 拋例外；
// 這條通道是 at-most-once best-effort，要耐久的操作走 REST Gateway。
//
// 斷線重連：非正常 close 後每 ReconnectInterval 重試一次，
// 連續失敗 MaxReconnectAttempts 次後停在 error，等使用者手動 Connect。
type ChannelClient struct {
	wsURL    string
	userType string
	tokens   token.Provider
	log      *logger.LogInfo

	reconnectInterval    time.Duration
	maxReconnectAttempts int
	pingInterval         time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	sendCh   chan []byte
	state    domain.ConnState
	attempts int // 連續重連失敗次數
	gen      int // 連線世代，舊 pump 的 callback 用這個作廢
	closing  bool

	// 想要維持的訂閱集合。未連線時 Subscribe 只改這裡，
	// 連上（含重連）後整批 flush。
	subs map[string]domain.ChannelKind

	handlerID        int
	msgHandlers      map[int]func(channel string, msg domain.Message)
	statusHandlers   map[int]func(ev domain.MessageStatusEvent)
	typingHandlers   map[int]func(ev domain.TypingEvent)
	presenceHandlers map[int]func(ev domain.PresenceEvent)
	stateHandlers    map[int]func(state domain.ConnState)

	// 單一 dispatch goroutine，事件照抵達順序送出，不重排
	dispatch chan func()
	// 容量 1 的 conflation cell：中間狀態可以被新狀態蓋掉，
	// 但最後一個狀態保證送達，不會整個丟失
	stateCh chan domain.ConnState
	done    chan struct{}
}

// New create ChannelClient
func New(cfg config.ChatClient, tokens token.Provider, log *logger.LogInfo) *ChannelClient {
	cfg.Normalize()
	c := &ChannelClient{
		wsURL:                cfg.WSURL,
		userType:             cfg.UserType,
		tokens:               tokens,
		log:                  log,
		reconnectInterval:    cfg.ReconnectInterval,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		pingInterval:         cfg.PingInterval,
		state:                domain.ConnDisconnected,
		subs:                 make(map[string]domain.ChannelKind),
		msgHandlers:          make(map[int]func(string, domain.Message)),
		statusHandlers:       make(map[int]func(domain.MessageStatusEvent)),
		typingHandlers:       make(map[int]func(domain.TypingEvent)),
		presenceHandlers:     make(map[int]func(domain.PresenceEvent)),
		stateHandlers:        make(map[int]func(domain.ConnState)),
		dispatch:             make(chan func(), 256),
		stateCh:              make(chan domain.ConnState, 1),
		done:                 make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

func (c *ChannelClient) dispatchLoop() {
	for {
		select {
		case fn := <-c.dispatch:
			fn()
		case st := <-c.stateCh:
			for _, h := range c.snapshotStateHandlers() {
				h(st)
			}
		case <-c.done:
			return
		}
	}
}

// State 目前連線狀態
func (c *ChannelClient) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect 建立連線。失敗不回傳錯誤，
// 一律轉成狀態事件讓 store/UI 統一處理。
// 從 error 狀態手動 Connect 會重置重連次數。
func (c *ChannelClient) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case domain.ConnConnecting, domain.ConnConnected, domain.ConnReconnecting:
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.setStateLocked(domain.ConnConnecting)
	c.mu.Unlock()

	go func() {
		if err := c.dial(ctx, gen); err != nil {
			c.mu.Lock()
			if c.gen == gen && !c.closing {
				// 明確的 Connect 失敗直接進 error，不自動重試
				c.setStateLocked(domain.ConnError)
			}
			c.mu.Unlock()
			c.log.Errorf("websocket connect failed:", err)
		}
	}()
}

// dial 撥號並在成功時啟動 pump。回傳錯誤交給 caller 決定下一步。
func (c *ChannelClient) dial(ctx context.Context, gen int) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return err
	}

	u, err := url.Parse(c.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	if c.userType != "" {
		q.Set("user_type", c.userType)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.sendCh = make(chan []byte, 64)
	c.attempts = 0
	c.setStateLocked(domain.ConnConnected)
	frames := c.subscribeFramesLocked()
	sendCh := c.sendCh
	c.mu.Unlock()

	// 連上後整批補送訂閱（含重連後的 resubscribe）
	for _, f := range frames {
		b, _ := json.Marshal(f)
		select {
		case sendCh <- b:
		default:
			c.log.Warn("subscribe queue full, dropping control frame", zap.String("channel", f.Channel))
		}
	}

	go c.writePump(conn, sendCh, gen)
	go c.readPump(conn, gen)
	return nil
}

func (c *ChannelClient) subscribeFramesLocked() []domain.SubscribeFrame {
	frames := make([]domain.SubscribeFrame, 0, len(c.subs))
	for ch, kind := range c.subs {
		frames = append(frames, domain.SubscribeFrame{
			Type:        domain.EventSubscribe,
			Channel:     ch,
			ChannelType: kind,
		})
	}
	return frames
}

// Subscribe 訂閱 channel，冪等；未連線時先記下來，連上後 flush
func (c *ChannelClient) Subscribe(channel string, kind domain.ChannelKind) {
	c.mu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		return
	}
	c.subs[channel] = kind
	connected := c.state == domain.ConnConnected
	sendCh := c.sendCh
	c.mu.Unlock()

	if connected {
		b, _ := json.Marshal(domain.SubscribeFrame{
			Type:        domain.EventSubscribe,
			Channel:     channel,
			ChannelType: kind,
		})
		c.enqueue(sendCh, b)
	}
}

// Unsubscribe 退訂 channel，冪等；沒訂閱時是 no-op
func (c *ChannelClient) Unsubscribe(channel string) {
	c.mu.Lock()
	if _, ok := c.subs[channel]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, channel)
	connected := c.state == domain.ConnConnected
	sendCh := c.sendCh
	c.mu.Unlock()

	if connected {
		b, _ := json.Marshal(domain.SubscribeFrame{
			Type:    domain.EventUnsubscribe,
			Channel: channel,
		})
		c.enqueue(sendCh, b)
	}
}

// Send best-effort 送出事件。回傳錯誤只代表本地沒送出去，
// 送出成功也不代表對方處理了（application-level ack 是另一回事）。
func (c *ChannelClient) Send(eventType domain.EventType, payload interface{}) error {
	c.mu.Lock()
	connected := c.state == domain.ConnConnected
	sendCh := c.sendCh
	c.mu.Unlock()

	if !connected {
		return errs.New(errs.KindTransport, "websocket not connected")
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.KindValidation, err, "marshal payload")
		}
		raw = b
	}
	b, _ := json.Marshal(domain.Frame{Type: eventType, Payload: raw})
	if !c.enqueue(sendCh, b) {
		return errs.New(errs.KindTransport, "send queue full")
	}
	return nil
}

func (c *ChannelClient) enqueue(ch chan []byte, b []byte) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

// Close 正常關閉，不觸發重連
func (c *ChannelClient) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.setStateLocked(domain.ConnDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	close(c.done)
}

// ===== pump =====

func (c *ChannelClient) writePump(conn *websocket.Conn, sendCh chan []byte, gen int) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		select {
		case b, ok := <-sendCh:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Errorf("websocket write error:", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorf("Ping error:", err)
				return
			}
		}
	}
}

func (c *ChannelClient) readPump(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			normal := websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			)
			c.onReadClosed(gen, normal, err)
			return
		}
		c.handleFrame(raw)
	}
}

// onReadClosed 讀取中斷的善後：正常 close 回 disconnected，
// 非正常 close 進 reconnecting 開始重連
func (c *ChannelClient) onReadClosed(gen int, normal bool, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	newGen := c.gen
	if normal {
		c.setStateLocked(domain.ConnDisconnected)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(domain.ConnReconnecting)
	c.mu.Unlock()

	c.log.Errorf("websocket read error:", cause)
	go c.reconnectLoop(newGen)
}

// reconnectLoop 固定間隔重試，連續失敗到上限就停在 error
func (c *ChannelClient) reconnectLoop(gen int) {
	for {
		select {
		case <-time.After(c.reconnectInterval):
		case <-c.done:
			return
		}

		c.mu.Lock()
		if c.gen != gen || c.closing {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.maxReconnectAttempts {
			c.setStateLocked(domain.ConnError)
			c.mu.Unlock()
			c.log.Warn("websocket reconnect attempts exhausted, waiting for manual retry")
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if err := c.dial(context.Background(), gen); err != nil {
			c.log.Errorf("websocket reconnect failed:", err, zap.Int("attempt", attempt))
			continue
		}
		return
	}
}

// ===== inbound frame 分發 =====

func (c *ChannelClient) handleFrame(raw []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Errorf("websocket frame decode error:", err)
		return
	}

	switch frame.Type {
	case domain.EventMessage:
		var dto wireMessage
		if err := json.Unmarshal(frame.Payload, &dto); err != nil {
			c.log.Errorf("message payload decode error:", err)
			return
		}
		msg := dto.toDomain()
		for _, h := range c.snapshotMsgHandlers() {
			h := h
			c.dispatch <- func() { h(frame.Channel, msg) }
		}
	case domain.EventMessageStatus:
		var ev domain.MessageStatusEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			c.log.Errorf("message_status payload decode error:", err)
			return
		}
		for _, h := range c.snapshotStatusHandlers() {
			h := h
			c.dispatch <- func() { h(ev) }
		}
	case domain.EventTyping:
		var ev domain.TypingEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			c.log.Errorf("typing payload decode error:", err)
			return
		}
		for _, h := range c.snapshotTypingHandlers() {
			h := h
			c.dispatch <- func() { h(ev) }
		}
	case domain.EventPresence:
		var ev domain.PresenceEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			c.log.Errorf("presence payload decode error:", err)
			return
		}
		for _, h := range c.snapshotPresenceHandlers() {
			h := h
			c.dispatch <- func() { h(ev) }
		}
	case domain.EventPing:
		// backend 的 application-level ping，回 pong
		b, _ := json.Marshal(domain.Frame{Type: domain.EventPong})
		c.mu.Lock()
		sendCh := c.sendCh
		c.mu.Unlock()
		c.enqueue(sendCh, b)
	case domain.EventPong:
		// no-op
	default:
		c.log.Debug("unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// ===== handler 註冊，回傳 disposer =====

// OnMessage 註冊新訊息 handler，回傳取消註冊的函式
func (c *ChannelClient) OnMessage(h func(channel string, msg domain.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.msgHandlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgHandlers, id)
	}
}

// OnStatusChange 註冊訊息狀態更新 handler
func (c *ChannelClient) OnStatusChange(h func(ev domain.MessageStatusEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.statusHandlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusHandlers, id)
	}
}

// OnTyping 註冊打字指示 handler
func (c *ChannelClient) OnTyping(h func(ev domain.TypingEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.typingHandlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.typingHandlers, id)
	}
}

// OnPresence 註冊上下線 handler
func (c *ChannelClient) OnPresence(h func(ev domain.PresenceEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.presenceHandlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.presenceHandlers, id)
	}
}

// OnConnState 註冊連線狀態 handler
func (c *ChannelClient) OnConnState(h func(state domain.ConnState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerID++
	id := c.handlerID
	c.stateHandlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

func (c *ChannelClient) snapshotMsgHandlers() []func(string, domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(string, domain.Message), 0, len(c.msgHandlers))
	for _, h := range c.msgHandlers {
		out = append(out, h)
	}
	return out
}

func (c *ChannelClient) snapshotStatusHandlers() []func(domain.MessageStatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.MessageStatusEvent), 0, len(c.statusHandlers))
	for _, h := range c.statusHandlers {
		out = append(out, h)
	}
	return out
}

func (c *ChannelClient) snapshotTypingHandlers() []func(domain.TypingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.TypingEvent), 0, len(c.typingHandlers))
	for _, h := range c.typingHandlers {
		out = append(out, h)
	}
	return out
}

func (c *ChannelClient) snapshotStateHandlers() []func(domain.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.ConnState), 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		out = append(out, h)
	}
	return out
}

func (c *ChannelClient) snapshotPresenceHandlers() []func(domain.PresenceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(domain.PresenceEvent), 0, len(c.presenceHandlers))
	for _, h := range c.presenceHandlers {
		out = append(out, h)
	}
	return out
}

// setStateLocked 轉移連線狀態並通知 handler。caller 持有 c.mu。
// 通知走 conflation cell：dispatch 忙碌時中間狀態被新狀態取代，
// 最後的狀態一定送達。
func (c *ChannelClient) setStateLocked(next domain.ConnState) {
	if c.state == next {
		return
	}
	if !c.state.CanTransitionTo(next) {
		c.log.Warn("illegal conn state transition",
			zap.String("from", string(c.state)), zap.String("to", string(next)))
		return
	}
	c.state = next

	select {
	case c.stateCh <- next:
	default:
		// 還沒被消化的舊狀態換成最新的
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- next:
		default:
		}
	}
}
