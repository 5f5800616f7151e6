// Package httpclient は外部サービスとのHTTP通信を行うクライアントを提供する。
//
// 認証サービスへのトークン検証、トリプルストア検索、上流APIのGraphQL呼び出しなど、
// ゲートウェイが自ら発行するリクエストの通信パターンを統一する。
// プロキシ転送（ストリーミング）はこのパッケージの対象外。
package httpclient
