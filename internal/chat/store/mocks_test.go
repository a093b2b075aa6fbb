package store

import (
	"context"
	"sync"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/internal/chat/gateway"

	"github.com/stretchr/testify/mock"
)

// MockGateway Mock Gateway
type MockGateway struct {
	mock.Mock
}

// ListChats mock list chats
func (m *MockGateway) ListChats(ctx context.Context, userType string) ([]domain.Chat, error) {
	args := m.Called(ctx, userType)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Chat), args.Error(1)
	}
	return nil, args.Error(1)
}

// GetMessages mock get messages
func (m *MockGateway) GetMessages(ctx context.Context, chatID string, limit int, beforeID string) ([]domain.Message, error) {
	args := m.Called(ctx, chatID, limit, beforeID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// SendMessage mock send message
func (m *MockGateway) SendMessage(ctx context.Context, req gateway.SendMessageRequest) (domain.Message, error) {
	args := m.Called(ctx, req)
	if args.Get(0) != nil {
		return args.Get(0).(domain.Message), args.Error(1)
	}
	return domain.Message{}, args.Error(1)
}

// MarkAsRead mock mark as read
func (m *MockGateway) MarkAsRead(ctx context.Context, chatID, lastMessageID string) error {
	args := m.Called(ctx, chatID, lastMessageID)
	return args.Error(0)
}

// CreateChat mock create chat
func (m *MockGateway) CreateChat(ctx context.Context, chatType domain.ChatType, title string, participantIDs []string) (domain.Chat, error) {
	args := m.Called(ctx, chatType, title, participantIDs)
	if args.Get(0) != nil {
		return args.Get(0).(domain.Chat), args.Error(1)
	}
	return domain.Chat{}, args.Error(1)
}

// ArchiveChat mock archive chat
func (m *MockGateway) ArchiveChat(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

// LeaveChat mock leave chat
func (m *MockGateway) LeaveChat(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

// fakeTransport 手寫的 Transport fake。
// 測試直接呼叫 push* 方法模擬 backend 的下行事件。
type fakeTransport struct {
	mu           sync.Mutex
	state        domain.ConnState
	subs         map[string]domain.ChannelKind
	sent         []domain.EventType
	sentPayloads []interface{}
	connects     int
	onMsg        []func(string, domain.Message)
	onStatus     []func(domain.MessageStatusEvent)
	onTyping     []func(domain.TypingEvent)
	onPres       []func(domain.PresenceEvent)
	onState      []func(domain.ConnState)
	sendError    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state: domain.ConnDisconnected,
		subs:  make(map[string]domain.ChannelKind),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) {
	f.mu.Lock()
	f.connects++
	f.state = domain.ConnConnected
	handlers := append([]func(domain.ConnState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(domain.ConnConnected)
	}
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.state = domain.ConnDisconnected
	f.mu.Unlock()
}

func (f *fakeTransport) State() domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Subscribe(channel string, kind domain.ChannelKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = kind
}

func (f *fakeTransport) Unsubscribe(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, channel)
}

func (f *fakeTransport) Send(eventType domain.EventType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendError != nil {
		return f.sendError
	}
	f.sent = append(f.sent, eventType)
	f.sentPayloads = append(f.sentPayloads, payload)
	return nil
}

func (f *fakeTransport) OnMessage(h func(string, domain.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = append(f.onMsg, h)
	return func() {}
}

func (f *fakeTransport) OnStatusChange(h func(domain.MessageStatusEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = append(f.onStatus, h)
	return func() {}
}

func (f *fakeTransport) OnTyping(h func(domain.TypingEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTyping = append(f.onTyping, h)
	return func() {}
}

func (f *fakeTransport) OnPresence(h func(domain.PresenceEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPres = append(f.onPres, h)
	return func() {}
}

func (f *fakeTransport) OnConnState(h func(domain.ConnState)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = append(f.onState, h)
	return func() {}
}

func (f *fakeTransport) pushMessage(channel string, msg domain.Message) {
	f.mu.Lock()
	handlers := append([]func(string, domain.Message){}, f.onMsg...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(channel, msg)
	}
}

func (f *fakeTransport) pushStatus(ev domain.MessageStatusEvent) {
	f.mu.Lock()
	handlers := append([]func(domain.MessageStatusEvent){}, f.onStatus...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) pushTyping(ev domain.TypingEvent) {
	f.mu.Lock()
	handlers := append([]func(domain.TypingEvent){}, f.onTyping...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) pushState(state domain.ConnState) {
	f.mu.Lock()
	f.state = state
	handlers := append([]func(domain.ConnState){}, f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}
