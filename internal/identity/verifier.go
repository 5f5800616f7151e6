// Package identity はログイントークンを外部の認証基盤に問い合わせ、
// ゲートウェイを利用できる利用者かどうかを判定する。
//
// 判定に失敗した理由は監査ログ用にエラーとして返すが、利用者には
// 理由を区別しない一律のメッセージ（IncorrectCredentials）のみを見せる。
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/httpclient"
	"github.com/tidwall/gjson"
)

// IncorrectCredentials は認証失敗時に利用者へ表示する一律のメッセージ。
const IncorrectCredentials = "Incorrect credentials"

var (
	// ErrEmptyToken はログイントークンが空であることを表す。
	ErrEmptyToken = errors.New("ログイントークンが空です")
	// ErrUpstream は認証基盤との通信に失敗したことを表す。
	ErrUpstream = errors.New("認証基盤との通信に失敗")
	// ErrUpstreamStatus は認証基盤が成功以外のステータスを返したことを表す。
	ErrUpstreamStatus = errors.New("認証基盤がエラーを返しました")
	// ErrTargetMismatch はトークンの発行先システムが一致しないことを表す。
	ErrTargetMismatch = errors.New("トークンの発行先システムが一致しません")
	// ErrRoleMissing は許可されたロールを持たないことを表す。
	ErrRoleMissing = errors.New("許可されたロールを持っていません")
	// ErrMethodNotAllowed は許可されていない認証方式でログインしたことを表す。
	ErrMethodNotAllowed = errors.New("許可されていない認証方式です")
	// ErrRoleExpired はポータル利用ロールの有効期限が切れていることを表す。
	ErrRoleExpired = errors.New("ロールの有効期限が切れています")
)

// Verifier はログイントークンを検証する。
type Verifier interface {
	// Verify はトークンを検証し、利用を許可する場合はPrincipalを返す。
	Verify(ctx context.Context, loginToken string) (*session.Principal, error)
}

// Config は検証規則の設定。
type Config struct {
	// AuthURL は認証基盤のベースURL（末尾のスラッシュを含む）。
	AuthURL string
	// SystemID はこのゲートウェイのシステム識別子。
	SystemID string
	// AllowedRoles はログインを許可するロールの一覧。
	AllowedRoles []string
	// AllowedLogin はログインを許可する認証方式の一覧（例: "LOCAL"）。
	AllowedLogin []string
}

// Client は認証基盤に問い合わせるVerifierの実装。
type Client struct {
	// http は認証基盤へのHTTPクライアント。
	http *httpclient.Client
	// cfg は検証規則。
	cfg Config
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewClient は新しいClientを生成する。
func NewClient(cfg Config, opts ...httpclient.Option) *Client {
	return &Client{
		http: httpclient.New(cfg.AuthURL, opts...),
		cfg:  cfg,
		now:  time.Now,
	}
}

// Verify は認証基盤の token エンドポイントでトークンを検証する。
// 応答ステータス、発行先システム、ロール、認証方式、ロールの有効期限を
// すべて満たす場合のみPrincipalを返す。
func (c *Client) Verify(ctx context.Context, loginToken string) (*session.Principal, error) {
	if strings.TrimSpace(loginToken) == "" {
		return nil, ErrEmptyToken
	}

	var raw json.RawMessage
	if err := c.http.GetJSON(ctx, "token/"+url.PathEscape(loginToken), &raw); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%w: status=%d", ErrUpstreamStatus, statusErr.StatusCode)
		}
		// url.Error はトークンを含むリクエストURLを保持するため、原因のみを残す。
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	result := gjson.ParseBytes(raw)
	if target := result.Get("target").String(); target != c.cfg.SystemID {
		return nil, fmt.Errorf("%w: target=%q", ErrTargetMismatch, target)
	}

	var roles []string
	for _, r := range result.Get("user.roles").Array() {
		roles = append(roles, r.String())
	}
	if !slices.ContainsFunc(c.cfg.AllowedRoles, func(r string) bool { return slices.Contains(roles, r) }) {
		return nil, ErrRoleMissing
	}

	method := result.Get("source").String()
	if !slices.Contains(c.cfg.AllowedLogin, method) {
		return nil, fmt.Errorf("%w: source=%q", ErrMethodNotAllowed, method)
	}

	p := &session.Principal{
		ID:           firstNonEmpty(result.Get("user.qname").String(), result.Get("user.id").String()),
		Name:         result.Get("user.name").String(),
		Email:        result.Get("user.email").String(),
		Roles:        roles,
		LoginMethod:  method,
		PrivateToken: loginToken,
	}
	if expiry, ok := parseExpiry(result.Get("user.securePortalUserRoleExpires").String()); ok {
		if !expiry.After(c.now()) {
			return nil, fmt.Errorf("%w: expires=%s", ErrRoleExpired, expiry.Format(time.RFC3339))
		}
		p.RoleExpiry = &expiry
	}
	return p, nil
}

// expiryLayouts はロール有効期限として受け付ける日時形式。
var expiryLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseExpiry はロールの有効期限を解釈する。空や解釈できない値は期限なしとして扱う。
func parseExpiry(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
