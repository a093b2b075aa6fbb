package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider bearer token 供應者。chat core 不處理登入流程，
// token 一律由外部協作者提供（登入頁、session 管理都在 core 外面）。
type Provider interface {
	Token() (string, error)
}

// StaticProvider 固定 token，demo 與單測用
type StaticProvider struct {
	Value string
}

// Token 回傳固定 token
func (p *StaticProvider) Token() (string, error) {
	if p.Value == "" {
		return "", errors.New("token: empty static token")
	}
	return p.Value, nil
}

// Claims structure for custom claims in JWT
type Claims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

// JWTProvider 會檢查過期時間的 token 供應者，
// token 快過期時回錯誤讓外層觸發重新登入，而不是送出注定 401 的請求
type JWTProvider struct {
	Value  string
	Leeway time.Duration
}

// Token 回傳 token，已過期（含 leeway）時回錯誤
func (p *JWTProvider) Token() (string, error) {
	claims := &Claims{}
	// 這裡只讀 claims 不驗簽，簽章由 backend 驗
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(p.Value, claims); err != nil {
		return "", err
	}
	if claims.ExpiresAt != nil && time.Now().Add(p.Leeway).After(claims.ExpiresAt.Time) {
		return "", errors.New("token: expired")
	}
	return p.Value, nil
}

// GenerateJWT 簽發 HMAC token，stub server 與單測用
func GenerateJWT(userID, userType string, secret []byte, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:   userID,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(secret)
}

// ParseJWT 驗簽並取出 claims
func ParseJWT(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, errors.New("token: invalid token")
	}
	return claims, nil
}
