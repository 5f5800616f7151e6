// Package gateway はゲートウェイのHTTPサーバーを提供する。
//
// ログイントークンを認証基盤で検証してセッションを開始し、ブラウザには
// セッション固有の公開トークンだけを渡す。認証済みのリクエストは
// 非公開トークンに置き換えたうえで上流API・地理情報API・権限管理APIへ転送する。
// 利用者ディレクトリ、ダウンロード申請、監査イベントの一覧はゲートウェイ自身が応答し、
// それ以外のパスではフロントエンドを配信する。外部からアクセス可能な唯一の
// サービスであり、セキュリティの境界線として機能する。
package gateway
