// Package directory は管理画面向けに、ポータル利用ロールを持つ利用者の一覧を
// 組織名つきでキャッシュする。
//
// 一覧は識別情報グラフ（トリプルストア）から定期的に再構築し、完成した
// スナップショットをアトミックに差し替える。読み取り側は常に完全な
// スナップショットを参照する。更新に失敗した場合は直前のスナップショットを残す。
package directory
