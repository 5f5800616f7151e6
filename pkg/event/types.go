// Package event は監査ログに記録するイベントの型を定義する。
//
// ログイン・ログアウト、プロキシ転送の結果、トークン不一致などの判定は
// すべてEventとして記録される。ユーザーが特定できない場合は UnknownUser を用いる。
package event

import (
	"encoding/json"
	"time"
)

// Action はイベントの種類を表す。
type Action string

const (
	// ActionLogin はログインに成功したことを表す。
	ActionLogin Action = "LOGIN"
	// ActionLoginFailed はログイントークンの検証に失敗したことを表す。
	ActionLoginFailed Action = "LOGIN_FAILED"
	// ActionLogout はセッションが破棄されたことを表す。
	ActionLogout Action = "LOGOUT"
	// ActionRequestSuccess は上流へのリクエストが完了したことを表す。
	ActionRequestSuccess Action = "API_REQUEST_SUCCESS"
	// ActionInvalidToken は公開トークンがセッションと一致しなかったことを表す。
	ActionInvalidToken Action = "API_REQUEST_INVALID_TOKEN"
	// ActionRequestDenied はクエリ許可リストにより拒否されたことを表す。
	ActionRequestDenied Action = "API_REQUEST_DENIED"
	// ActionRequestFailed は上流との通信に失敗したことを表す。
	ActionRequestFailed Action = "API_REQUEST_FAILED"
	// ActionAdminRequest は権限管理APIへのリクエストが完了したことを表す。
	ActionAdminRequest Action = "ADMIN_REQUEST"
)

// UnknownUser はユーザーを特定できないイベントに記録するユーザー名。
const UnknownUser = "[unknown]"

// Event は監査ログの1レコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Action はイベントの種類。
	Action Action `json:"action"`
	// UserID は操作したユーザーのID。不明な場合は UnknownUser。
	UserID string `json:"user"`
	// Remote はクライアントのアドレス。
	Remote string `json:"remote"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"timestamp"`
}

// RequestData はプロキシ転送に関するイベントのデータ。
type RequestData struct {
	// Method はHTTPメソッド。
	Method string `json:"method"`
	// URL は転送先のURL（非公開トークンは伏せ字）。
	URL string `json:"url"`
	// Body は転送したリクエストボディ（非公開トークンは伏せ字）。
	Body string `json:"body,omitempty"`
	// Status は上流のレスポンスステータス。転送していない場合はゲートウェイが返したステータス。
	Status int `json:"status"`
	// DurationMS は処理時間（ミリ秒）。
	DurationMS int64 `json:"duration_ms"`
}

// LoginData はログインに関するイベントのデータ。
type LoginData struct {
	// Reason はログインが拒否された理由。利用者には返さない。
	Reason string `json:"reason,omitempty"`
	// Roles はログインしたユーザーのロール。
	Roles []string `json:"roles,omitempty"`
}
