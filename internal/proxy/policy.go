package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrQueryNotRecognized はGraphQLリクエストからクエリ文書を取り出せないことを表す。
	ErrQueryNotRecognized = errors.New("GraphQLクエリを認識できません")
	// ErrQueryNotAllowed はクエリ文書が許可リストに含まれないことを表す。
	ErrQueryNotAllowed = errors.New("query not allowed")
)

// QueryHash はGraphQLクエリ文書の許可リスト用ハッシュを返す。
// 連続する空白は1つの空白にまとめ、前後の空白を除いてからSHA-256を計算する。
func QueryHash(query string) string {
	normalized := strings.Join(strings.Fields(query), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// IsGraphQL はパスの最後の要素が "graphql" かどうかを返す。
func IsGraphQL(p string) bool {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return path.Base(strings.TrimSuffix(p, "/")) == "graphql"
}

// QueryPolicy はGraphQLクエリ文書の許可リスト。
type QueryPolicy struct {
	allowed map[string]struct{}
}

// NewQueryPolicy は許可するハッシュの一覧からQueryPolicyを生成する。
// 一覧が空の場合はすべてのGraphQLクエリを拒否する。
func NewQueryPolicy(hashes []string) *QueryPolicy {
	allowed := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}
	return &QueryPolicy{allowed: allowed}
}

// Check はリクエストのクエリ文書が許可されているかを判定する。
// GETではクエリパラメータ query を、それ以外ではJSONボディの query を検査する。
// ボディがJSON配列（バッチ）の場合は全要素が許可されている必要がある。
func (p *QueryPolicy) Check(method string, query url.Values, body []byte) error {
	var documents []string
	if method == http.MethodGet || method == http.MethodHead {
		if q := query.Get("query"); q != "" {
			documents = append(documents, q)
		}
	} else if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsArray() {
			for _, item := range parsed.Array() {
				q := item.Get("query")
				if q.Type != gjson.String || q.String() == "" {
					return ErrQueryNotRecognized
				}
				documents = append(documents, q.String())
			}
		} else if q := parsed.Get("query"); q.Type == gjson.String && q.String() != "" {
			documents = append(documents, q.String())
		}
	}

	if len(documents) == 0 {
		return ErrQueryNotRecognized
	}
	for _, doc := range documents {
		if _, ok := p.allowed[QueryHash(doc)]; !ok {
			return ErrQueryNotAllowed
		}
	}
	return nil
}
