// Package downloads はこのシステム経由で行われたデータダウンロード申請の索引を提供する。
//
// 申請はトリプルストアの HBF.downloadRequest として記録されている。Index は
// 完了済みかつ申請元がこのシステムであるものだけを一定間隔で取得して保持し、
// 各申請のコレクションが属するルートコレクションを上流APIのコレクション階層から解決する。
package downloads
