package store

import (
	"sort"
	"time"

	"umrah_chat_service/internal/chat/domain"
)

// 對帳規則的核心：訊息 id 是唯一的 join key，
// 同 id 的事件一律 update-in-place，絕不 append 第二份；
// 內容相同但 id 不同的兩則訊息是兩則訊息，不做內容去重。

// MatchStrategy 把 server 確認的訊息對回樂觀 pending entry 的策略。
// backend 不一定會 echo client 的 temp id，所以做成可設定的，
// 兩種路徑都要測。
type MatchStrategy interface {
	// Match 回傳 incoming 應該取代的 pending entry index，找不到回 -1
	Match(list []domain.Message, incoming domain.Message) int
}

// TempIDEcho backend 有 round-trip temp_id 時用，精準對回
type TempIDEcho struct{}

// Match 依 echo 回來的 temp id 找 pending entry
func (TempIDEcho) Match(list []domain.Message, incoming domain.Message) int {
	if incoming.TempID == "" {
		return -1
	}
	for i := range list {
		if !list[i].IsPending() {
			continue
		}
		if list[i].ID == incoming.TempID || list[i].TempID == incoming.TempID {
			return i
		}
	}
	return -1
}

// HeuristicWindow backend 沒 echo temp id 時的退路：
// 同 chat、同 sender、同內容、時間差在 Window 內的 pending entry
type HeuristicWindow struct {
	Window time.Duration
}

// Match 啟發式比對，先試 temp id，再退到內容＋時間窗
func (h HeuristicWindow) Match(list []domain.Message, incoming domain.Message) int {
	if idx := (TempIDEcho{}).Match(list, incoming); idx >= 0 {
		return idx
	}
	window := h.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	for i := range list {
		m := &list[i]
		if !m.IsPending() {
			continue
		}
		if m.ChatID != incoming.ChatID || m.SenderID != incoming.SenderID || m.Content != incoming.Content {
			continue
		}
		d := incoming.SentAt.Sub(m.SentAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return i
		}
	}
	return -1
}

// mergeInto 把 server 確認的欄位蓋到既有 entry 上。
// 狀態只准前進，時間戳以 server 的為準。
func mergeInto(dst *domain.Message, src domain.Message) {
	tempID := dst.TempID
	if tempID == "" && domain.IsTempID(dst.ID) {
		tempID = dst.ID
	}
	status := dst.Status
	deliveredAt := dst.DeliveredAt
	readAt := dst.ReadAt
	*dst = src
	if dst.TempID == "" {
		dst.TempID = tempID
	}
	// 倒退的狀態更新不套用
	if !status.CanAdvanceTo(src.Status) {
		dst.Status = status
	}
	// 時間戳只會累積，stale 重複訊息缺欄位時不清掉既有的
	if dst.DeliveredAt == nil {
		dst.DeliveredAt = deliveredAt
	}
	if dst.ReadAt == nil {
		dst.ReadAt = readAt
	}
}

// upsertIncoming 把 transport 或 REST 來的訊息併進列表。
// 回傳新列表與是否真的新增了一筆（unread 判斷要用）。
//  1. id 已存在 → update-in-place，不新增
//  2. strategy 對到 pending entry → 原 slot 取代，不新增
//  3. 都沒有 → append 後穩定排序
func upsertIncoming(list []domain.Message, incoming domain.Message, strategy MatchStrategy) ([]domain.Message, bool) {
	for i := range list {
		if list[i].ID == incoming.ID {
			mergeInto(&list[i], incoming)
			return list, false
		}
	}
	if strategy != nil {
		if idx := strategy.Match(list, incoming); idx >= 0 {
			mergeInto(&list[idx], incoming)
			return list, false
		}
	}
	list = append(list, incoming)
	sortBySentAt(list)
	return list, true
}

// confirmSend REST 送出成功後，把 temp entry 原 slot 換成
// server 確認的訊息。transport echo 比 REST 回應先到時，
// 確認的 id 可能已經在列表裡，這時移除 temp entry 避免重複。
func confirmSend(list []domain.Message, tempID string, confirmed domain.Message) []domain.Message {
	echoIdx := -1
	for i := range list {
		if list[i].ID == confirmed.ID {
			echoIdx = i
			break
		}
	}

	for i := range list {
		if list[i].ID == tempID || list[i].TempID == tempID {
			if echoIdx >= 0 && echoIdx != i {
				// echo 已先落地，temp entry 直接移除
				mergeInto(&list[echoIdx], confirmed)
				return append(list[:i], list[i+1:]...)
			}
			mergeInto(&list[i], confirmed)
			if list[i].TempID == "" {
				list[i].TempID = tempID
			}
			sortBySentAt(list)
			return list
		}
	}
	if echoIdx >= 0 {
		mergeInto(&list[echoIdx], confirmed)
		return list
	}
	// temp entry 不見了（理論上不會發生），補回確認的訊息
	list = append(list, confirmed)
	sortBySentAt(list)
	return list
}

// failSend 送出失敗時把 temp entry 標成 failed。
// 不能默默刪掉，UI 要靠這筆顯示 resend 按鈕。
// transport echo 已先把這個 slot 換成 server 確認版時（帶 server id），
// server 實際上收到了，REST 層的失敗不作數，不標 failed。
func failSend(list []domain.Message, tempID string) bool {
	for i := range list {
		if list[i].ID == tempID || list[i].TempID == tempID {
			if !list[i].IsPending() {
				return false
			}
			return list[i].ApplyStatus(domain.StatusFailed, time.Now())
		}
	}
	return false
}

// sortBySentAt 穩定排序。樂觀訊息用 client 時鐘、server 訊息用
// server 時鐘，跨界不保證嚴格單調，這是已知且接受的誤差。
func sortBySentAt(list []domain.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SentAt.Before(list[j].SentAt)
	})
}
