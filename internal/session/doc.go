// Package session はログイン済みブラウザセッションと、そのセッションに結び付いた
// 検証済みの利用者（Principal）を管理する。
//
// ログイン時に公開トークンを新たに発行し、セッションの存続期間中は
// 非公開トークンと1対1で対応させる。セッションはサーバー側のStoreに保持し、
// ブラウザには署名付きCookieでセッションIDのみを渡す。
package session
