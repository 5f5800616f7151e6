// Package middleware はGinベースのHTTPサーバーで使用する共通ミドルウェアを提供する。
//
// 署名付きセッションCookieの発行と検証、未ログイン時のリダイレクト、リクエストログ、パニックリカバリ、
// CORS設定など、ゲートウェイの全ルートで共通して使用するミドルウェアを含む。
package middleware
