package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// publicTokenBytes は公開トークンの乱数バイト数。base64urlで64文字になる。
const publicTokenBytes = 48

// Principal はセッションに結び付いた検証済みの利用者。
type Principal struct {
	// ID は利用者の識別子（例: "MA.97"）。
	ID string `json:"id"`
	// Name は表示名。
	Name string `json:"name,omitempty"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// Roles は利用者が持つロールの一覧。
	Roles []string `json:"roles"`
	// LoginMethod はログインに使用した認証方式（例: "LOCAL"）。
	LoginMethod string `json:"source,omitempty"`
	// RoleExpiry はポータル利用ロールの有効期限。無期限の場合はnil。
	RoleExpiry *time.Time `json:"roleExpiry,omitempty"`
	// PrivateToken は上流APIに対する本来の認証トークン。ブラウザには渡さない。
	PrivateToken string `json:"-"`
	// PublicToken はブラウザに渡すセッション固有のトークン。
	PublicToken string `json:"-"`
}

// HasRole は指定したロールを持つかどうかを返す。
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Session はブラウザセッション1件を表す。
type Session struct {
	// ID はセッションの識別子。Cookieで運ばれる。
	ID string
	// Principal はセッションに結び付いた利用者。
	Principal Principal
	// CreatedAt はセッションの作成日時。
	CreatedAt time.Time
	// ExpiresAt はセッションの有効期限。
	ExpiresAt time.Time
}

// Expired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// New は新しいセッションIDと公開トークンを発行してセッションを生成する。
func New(p Principal, ttl time.Duration) (*Session, error) {
	publicToken, err := NewPublicToken()
	if err != nil {
		return nil, err
	}
	p.PublicToken = publicToken

	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Principal: p,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// NewPublicToken は暗号論的乱数から64文字のURLセーフな公開トークンを生成する。
func NewPublicToken() (string, error) {
	buf := make([]byte, publicTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("公開トークンの生成に失敗: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
