package domain

// ConnState websocket 連線狀態機的狀態
type ConnState string

const (
	// ConnDisconnected 初始狀態，尚未連線
	ConnDisconnected ConnState = "disconnected"
	// ConnConnecting 連線中
	ConnConnecting ConnState = "connecting"
	// ConnConnected 已連線
	ConnConnected ConnState = "connected"
	// ConnReconnecting 斷線後自動重連中
	ConnReconnecting ConnState = "reconnecting"
	// ConnError 重連次數用完，等待使用者手動 retry
	ConnError ConnState = "error"
)

// connSeverity 數字越大越糟，aggregate 取最糟的那個
var connSeverity = map[ConnState]int{
	ConnConnected:    0,
	ConnConnecting:   1,
	ConnReconnecting: 2,
	ConnDisconnected: 3,
	ConnError:        4,
}

// legalTransitions 狀態機合法轉移表。
// error 只能靠使用者手動 retry 回到 connecting，沒有終止狀態。
var legalTransitions = map[ConnState][]ConnState{
	ConnDisconnected: {ConnConnecting},
	ConnConnecting:   {ConnConnected, ConnReconnecting, ConnError, ConnDisconnected},
	ConnConnected:    {ConnReconnecting, ConnDisconnected},
	ConnReconnecting: {ConnConnected, ConnError, ConnDisconnected},
	ConnError:        {ConnConnecting, ConnDisconnected},
}

// CanTransitionTo 檢查狀態轉移是否合法
func (s ConnState) CanTransitionTo(next ConnState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// AggregateStatus 回傳所有 transport 中最不利的狀態。
// WebSocket 掛掉但 REST 還能動時，UI 以 degraded 模式繼續運作。
func AggregateStatus(states ...ConnState) ConnState {
	if len(states) == 0 {
		return ConnDisconnected
	}
	worst := states[0]
	for _, s := range states[1:] {
		if connSeverity[s] > connSeverity[worst] {
			worst = s
		}
	}
	return worst
}
