// Package triplestore は識別情報グラフを保持するトリプルストアの検索APIクライアントを提供する。
//
// 検索APIはRDF/XMLを返す。Decode はこれを Resource の列に変換し、
// 述語ごとの値（リソース参照またはリテラル）として参照できるようにする。
// リソースURIのうちベースURI（http://tun.fi/）は取り除き、"MA.person" のような
// 短い識別子として扱う。
package triplestore
