package errs

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Kind 錯誤分類。transport/gateway 的所有失敗都要在邊界
// normalize 成這四類，上層（store/UI）看不到原始錯誤型別。
type Kind int

const (
	// KindTransient 暫時性錯誤（timeout/5xx/斷網），可以 retry
	KindTransient Kind = iota
	// KindAuthentication 認證失敗，外層要清 state 重新登入
	KindAuthentication
	// KindValidation 請求內容錯誤，只回給發起的表單，不動全域 state
	KindValidation
	// KindTransport 連線層錯誤，驅動連線狀態機，不影響單筆 REST 操作
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error 帶分類的錯誤
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Unwrap 支援 errors.Is/As 鏈
func (e *Error) Unwrap() error {
	return e.Err
}

// New 建立指定分類的錯誤
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap 包裝底層錯誤並加上分類，帶 stack（github.com/pkg/errors）
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.WithStack(err)}
}

// KindOf 取出錯誤的分類；不是 *Error 時當作 transient 處理，
// 寧可讓使用者多按一次 retry 也不要誤觸登出
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable transient 類才允許自動或使用者觸發的 retry
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
