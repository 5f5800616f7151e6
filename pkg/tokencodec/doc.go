// Package tokencodec は公開トークンと非公開トークンの相互置換を提供する。
//
// ブラウザに渡すのは公開トークンのみで、上流APIへ転送する直前に
// 非公開トークンへ置き換える。状態を持たない純粋関数のみで構成される。
package tokencodec
