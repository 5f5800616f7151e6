package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName はセッションIDを運ぶCookieの名前。
const SessionCookieName = "portalgate_session"

// sessionIssuer はセッショントークンの発行者名。
const sessionIssuer = "portalgate"

// contextKeySessionID はGinコンテキストにセッションIDを格納するキー。
const contextKeySessionID = "session_id"

// ErrInvalidSession はセッショントークンの署名や有効期限が不正であることを表す。
var ErrInvalidSession = errors.New("セッショントークンが無効です")

// SessionClaims はセッションCookieに格納するJWTのクレーム。
// トークン自体はセッションIDのみを運び、ユーザー情報はサーバー側のストアに保持する。
type SessionClaims struct {
	jwt.RegisteredClaims
	// SessionID はサーバー側セッションの識別子。
	SessionID string `json:"sid"`
}

// SignSession はセッションIDをHS256で署名したトークンを返す。
func SignSession(secret, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    sessionIssuer,
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("セッショントークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseSession はセッショントークンを検証してクレームを返す。
func ParseSession(secret, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
	)
	if err != nil || !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// SessionCookieOptions はセッションCookieの属性。
type SessionCookieOptions struct {
	// Domain はCookieのDomain属性。空の場合は付与しない。
	Domain string
	// MaxAge はCookieとトークンの有効期間。
	MaxAge time.Duration
	// Secure はSecure属性を付与するかどうか。
	Secure bool
}

// SetSessionCookie はセッションIDを署名してCookieとして設定する。
func SetSessionCookie(c *gin.Context, secret, sessionID string, opts SessionCookieOptions) error {
	signed, err := SignSession(secret, sessionID, opts.MaxAge)
	if err != nil {
		return err
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    signed,
		Path:     "/",
		Domain:   opts.Domain,
		MaxAge:   int(opts.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(c *gin.Context, opts SessionCookieOptions) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   opts.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionCookie はセッションCookieを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにセッションIDを設定する。
// Cookieが無い、または無効な場合もリクエストは中断せず、後続のハンドラが判断する。
func SessionCookie(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(SessionCookieName)
		if err == nil && raw != "" {
			if claims, err := ParseSession(secret, raw); err == nil {
				c.Set(contextKeySessionID, claims.SessionID)
			}
		}
		c.Next()
	}
}

// GetSessionID はGinコンテキストからセッションIDを取得する。
// SessionCookieミドルウェアが事前に適用されている必要がある。
func GetSessionID(c *gin.Context) string {
	return c.GetString(contextKeySessionID)
}
