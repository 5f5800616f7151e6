package tokencodec

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyToken は置換に使うトークンが空の場合に返される。
var ErrEmptyToken = errors.New("トークンが空です")

// redactedMarker はログ出力時に非公開トークンの代わりに書き込む文字列。
const redactedMarker = "[private]"

// RewriteOutbound はtext中の非公開トークンをすべて公開トークンに置き換える。
// ブラウザへ値を渡す直前に使用する。
func RewriteOutbound(text, privateToken, publicToken string) string {
	if privateToken == "" {
		return text
	}
	return strings.ReplaceAll(text, privateToken, publicToken)
}

// RewriteInbound はtext中の非公開トークンを除去し、公開トークンを非公開トークンに置き換える。
// 置換は1パスで行うため、置換結果の非公開トークンが再び除去されることはない。
func RewriteInbound(text, publicToken, privateToken string) (string, error) {
	if publicToken == "" || privateToken == "" {
		return "", ErrEmptyToken
	}
	return inboundReplacer(publicToken, privateToken).Replace(text), nil
}

// inboundReplacer は受信方向の置換器を生成する。
// strings.Replacer は同一位置で複数一致した場合に引数順で優先するため、
// 長いトークンを先に並べて、一方が他方を含む場合でも長い方が勝つようにする。
func inboundReplacer(publicToken, privateToken string) *strings.Replacer {
	if len(publicToken) >= len(privateToken) {
		return strings.NewReplacer(publicToken, privateToken, privateToken, "")
	}
	return strings.NewReplacer(privateToken, "", publicToken, privateToken)
}

// RewriteInboundBody はリクエストボディに受信方向の置換を適用する。
// 置換に失敗した場合や、JSONとして妥当だったボディが置換後に妥当でなくなった場合は
// 部分的に置換されたボディを転送しないよう空のボディを返す。
func RewriteInboundBody(body []byte, publicToken, privateToken string) []byte {
	if len(body) == 0 {
		return body
	}
	rewritten, err := RewriteInbound(string(body), publicToken, privateToken)
	if err != nil {
		return []byte{}
	}
	out := []byte(rewritten)
	if json.Valid(body) && !json.Valid(out) {
		return []byte{}
	}
	return out
}

// Redact はtext中の非公開トークンを伏せ字に置き換える。
// 監査ログに資格情報を残さないために使用する。
func Redact(text, privateToken string) string {
	if privateToken == "" {
		return text
	}
	return strings.ReplaceAll(text, privateToken, redactedMarker)
}
