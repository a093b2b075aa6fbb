package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"umrah_chat_service/internal/chat/domain"
	"umrah_chat_service/pkg/config"
	"umrah_chat_service/pkg/errs"
	"umrah_chat_service/pkg/logger"
	"umrah_chat_service/pkg/token"

	"go.uber.org/zap"
)

// RESTGateway 無狀態的 chat API wrapper。
// transient 失敗在這層吃掉一個有限的 retry 預算（預設 2 次），
// store 就不用自己處理單純的暫時性錯誤。
type RESTGateway struct {
	baseURL       string
	http          *http.Client
	tokens        token.Provider
	retryAttempts int
	retryBackoff  time.Duration
	log           *logger.LogInfo
}

// New create RESTGateway
func New(cfg config.ChatClient, tokens token.Provider, log *logger.LogInfo) *RESTGateway {
	cfg.Normalize()
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &RESTGateway{
		baseURL:       strings.TrimRight(cfg.APIBaseURL, "/"),
		http:          &http.Client{Transport: tr, Timeout: cfg.RequestTimeout},
		tokens:        tokens,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
		log:           log,
	}
}

// SendMessageRequest POST /chats/{id}/messages 的欄位
type SendMessageRequest struct {
	ChatID      string
	Content     string
	ContentType domain.ContentType
	TempID      string
	ReplyToID   string
	Mentions    []string
	Priority    string
	// 附件只帶描述，實際上傳由 backend 的 media 服務處理
	AttachmentName string
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// ListChats 取得聊天室列表
func (g *RESTGateway) ListChats(ctx context.Context, userType string) ([]domain.Chat, error) {
	path := "/chats"
	if userType != "" {
		path += "?user_type=" + url.QueryEscape(userType)
	}
	raw, err := g.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var dtos []chatDTO
	if err := decodeData(raw, &dtos); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "decode chats")
	}
	chats := make([]domain.Chat, 0, len(dtos))
	for i := range dtos {
		chats = append(chats, dtos[i].toDomain())
	}
	return chats, nil
}

// GetMessages 取得訊息分頁。backend 回 newest-first，
// 這裡反轉成 oldest→newest 再交給 store。
func (g *RESTGateway) GetMessages(ctx context.Context, chatID string, limit int, beforeID string) ([]domain.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	path := fmt.Sprintf("/chats/%s/messages", url.PathEscape(chatID))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	raw, err := g.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var dtos []messageDTO
	if err := decodeData(raw, &dtos); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "decode messages")
	}
	msgs := make([]domain.Message, 0, len(dtos))
	for i := len(dtos) - 1; i >= 0; i-- {
		msgs = append(msgs, dtos[i].toDomain())
	}
	return msgs, nil
}

// SendMessage 送出訊息，成功時回 server 確認過的 Message
// （帶正式 id、至少 sent 狀態）
func (g *RESTGateway) SendMessage(ctx context.Context, req SendMessageRequest) (domain.Message, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("message", req.Content)
	_ = w.WriteField("type", string(req.ContentType))
	if req.TempID != "" {
		_ = w.WriteField("temp_id", req.TempID)
	}
	if req.ReplyToID != "" {
		_ = w.WriteField("reply_to_id", req.ReplyToID)
	}
	for _, m := range req.Mentions {
		_ = w.WriteField("mentions[]", m)
	}
	if req.Priority != "" {
		_ = w.WriteField("priority", req.Priority)
	}
	if req.AttachmentName != "" {
		_ = w.WriteField("attachment", req.AttachmentName)
	}
	if err := w.Close(); err != nil {
		return domain.Message{}, errs.Wrap(errs.KindValidation, err, "build multipart body")
	}

	path := fmt.Sprintf("/chats/%s/messages", url.PathEscape(req.ChatID))
	raw, err := g.do(ctx, http.MethodPost, path, w.FormDataContentType(), body.Bytes())
	if err != nil {
		return domain.Message{}, err
	}
	var dto messageDTO
	if err := decodeData(raw, &dto); err != nil {
		return domain.Message{}, errs.Wrap(errs.KindTransient, err, "decode sent message")
	}
	msg := dto.toDomain()
	if msg.ChatID == "" {
		msg.ChatID = req.ChatID
	}
	return msg, nil
}

// MarkAsRead 標記已讀到 lastMessageID 為止
func (g *RESTGateway) MarkAsRead(ctx context.Context, chatID, lastMessageID string) error {
	payload := map[string]string{"last_message_id": lastMessageID}
	return g.postJSON(ctx, fmt.Sprintf("/chats/%s/read", url.PathEscape(chatID)), payload)
}

// CreateChat 建立聊天室
func (g *RESTGateway) CreateChat(ctx context.Context, chatType domain.ChatType, title string, participantIDs []string) (domain.Chat, error) {
	payload := map[string]interface{}{
		"type":         string(chatType),
		"title":        title,
		"participants": participantIDs,
	}
	b, _ := json.Marshal(payload)
	raw, err := g.do(ctx, http.MethodPost, "/chats", "application/json", b)
	if err != nil {
		return domain.Chat{}, err
	}
	var dto chatDTO
	if err := decodeData(raw, &dto); err != nil {
		return domain.Chat{}, errs.Wrap(errs.KindTransient, err, "decode created chat")
	}
	return dto.toDomain(), nil
}

// ArchiveChat 封存聊天室
func (g *RESTGateway) ArchiveChat(ctx context.Context, chatID string) error {
	return g.postJSON(ctx, fmt.Sprintf("/chats/%s/archive", url.PathEscape(chatID)), nil)
}

// LeaveChat 離開聊天室
func (g *RESTGateway) LeaveChat(ctx context.Context, chatID string) error {
	return g.postJSON(ctx, fmt.Sprintf("/chats/%s/leave", url.PathEscape(chatID)), nil)
}

func (g *RESTGateway) postJSON(ctx context.Context, path string, payload interface{}) error {
	var b []byte
	if payload != nil {
		b, _ = json.Marshal(payload)
	}
	_, err := g.do(ctx, http.MethodPost, path, "application/json", b)
	return err
}

// decodeData 支援 {"data": ...} envelope 與裸回應兩種格式
func decodeData(raw []byte, out interface{}) error {
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(raw, out)
}

// do 送出請求並套用 retry 預算。只有 transient 類
// （網路錯誤、timeout、5xx、429）會 retry，4xx 直接回錯。
func (g *RESTGateway) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.retryBackoff):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindTransient, ctx.Err(), "request cancelled")
			}
			g.log.Debug("gateway retry", zap.String("path", path), zap.Int("attempt", attempt))
		}

		raw, err := g.doOnce(ctx, method, path, contentType, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (g *RESTGateway) doOnce(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	tok, err := g.tokens.Token()
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthentication, err, "acquire token")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		// 網路層失敗（含 client timeout）一律當 transient
		return nil, errs.Wrap(errs.KindTransient, err, method+" "+path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "read response body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, classifyStatus(resp.StatusCode, method+" "+path)
}

// classifyStatus HTTP 狀態碼對應到錯誤分類：
// 5xx/429 transient、401/403 authentication、其他 4xx validation
func classifyStatus(status int, op string) error {
	msg := fmt.Sprintf("%s: status %d", op, status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.KindAuthentication, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return errs.New(errs.KindTransient, msg)
	default:
		return errs.New(errs.KindValidation, msg)
	}
}
