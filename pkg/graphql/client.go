// Package graphql は上流APIのGraphQLエンドポイントを呼び出す最小限のクライアントを提供する。
//
// 応答は gjson.Result として返し、呼び出し側はパス式で必要なフィールドだけを取り出す。
package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/portalgate/pkg/httpclient"
	"github.com/tidwall/gjson"
)

// ErrNoData は応答に data フィールドが無いことを表す。
var ErrNoData = errors.New("GraphQLの応答にdataが含まれていません")

// ResponseError はGraphQLの応答に errors が含まれていたことを表す。
type ResponseError struct {
	// Messages はエラーメッセージの一覧。
	Messages []string
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	return fmt.Sprintf("GraphQLエラー: %v", e.Messages)
}

// request はGraphQLのリクエストボディ。
type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Client はGraphQLエンドポイントのクライアント。
type Client struct {
	// http は上流APIへのHTTPクライアント。
	http *httpclient.Client
}

// NewClient は新しいClientを生成する。apiURLには上流APIのベースURLを指定し、
// "<apiURL>/graphql" にPOSTする。
func NewClient(apiURL, accessToken string, opts ...httpclient.Option) *Client {
	opts = append([]httpclient.Option{httpclient.WithHeader("Authorization", accessToken)}, opts...)
	return &Client{http: httpclient.New(apiURL, opts...)}
}

// Query はクエリを実行し、応答の data 部分を返す。
func (c *Client) Query(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	var raw json.RawMessage
	if err := c.http.PostJSON(ctx, "/graphql", request{Query: query, Variables: variables}, &raw); err != nil {
		return gjson.Result{}, fmt.Errorf("GraphQLリクエストに失敗: %w", err)
	}

	resp := gjson.ParseBytes(raw)
	if errs := resp.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		var messages []string
		for _, e := range errs.Array() {
			messages = append(messages, e.Get("message").String())
		}
		return gjson.Result{}, &ResponseError{Messages: messages}
	}

	data := resp.Get("data")
	if !data.Exists() || data.Type == gjson.Null {
		return gjson.Result{}, ErrNoData
	}
	return data, nil
}
