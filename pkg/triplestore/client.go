package triplestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nao1215/portalgate/pkg/httpclient"
)

// defaultMaxTries は検索の最大試行回数（初回を含む）。
const defaultMaxTries = 3

// Query は検索APIの条件を表す。空のフィールドはクエリに含めない。
type Query struct {
	// Type は検索対象の型（例: "MA.person"）。
	Type string
	// Predicate は絞り込みに使う述語。
	Predicate string
	// ObjectResource は述語の値となるリソース。カンマ区切りで複数指定できる。
	ObjectResource string
	// ObjectLiteral は述語の値となるリテラル。
	ObjectLiteral string
	// Object は述語の値（リソース・リテラルを問わない）。
	Object string
	// Subject は主語の識別子。カンマ区切りで複数指定できる。
	Subject string
	// Limit は取得件数の上限。0の場合は指定しない。
	Limit int
	// Offset は取得開始位置。
	Offset int
}

// Values はクエリパラメータに変換する。
func (q Query) Values() url.Values {
	v := url.Values{}
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("type", q.Type)
	set("predicate", q.Predicate)
	set("objectresource", q.ObjectResource)
	set("objectliteral", q.ObjectLiteral)
	set("object", q.Object)
	set("subject", q.Subject)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	v.Set("format", "RDFXML")
	return v
}

// Searcher はトリプルストア検索の抽象。テストでは差し替える。
type Searcher interface {
	// Search は条件に一致するリソースを返す。
	Search(ctx context.Context, q Query) ([]Resource, error)
}

// Client はトリプルストア検索APIのクライアント。
type Client struct {
	// http は検索APIへのHTTPクライアント。
	http *httpclient.Client
	// maxTries は最大試行回数。
	maxTries uint
	// initialInterval は再試行の初回待機時間。
	initialInterval time.Duration
}

// ClientOption はClientの設定を変更する関数。
type ClientOption func(*Client)

// WithMaxTries は最大試行回数を設定する。
func WithMaxTries(n uint) ClientOption {
	return func(c *Client) {
		c.maxTries = n
	}
}

// WithInitialInterval は再試行の初回待機時間を設定する。
func WithInitialInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.initialInterval = d
	}
}

// NewClient は新しいClientを生成する。authはAuthorizationヘッダーにそのまま設定する。
func NewClient(baseURL, auth string, opts ...ClientOption) *Client {
	c := &Client{
		http:            httpclient.New(baseURL, httpclient.WithHeader("Authorization", auth)),
		maxTries:        defaultMaxTries,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search は検索APIを呼び出し、応答のRDF/XMLをデコードして返す。
// 通信エラーと5xxは指数バックオフで再試行し、4xxは即座に失敗とする。
func (c *Client) Search(ctx context.Context, q Query) ([]Resource, error) {
	path := "/search?" + q.Values().Encode()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initialInterval
	expBackoff.Reset()

	operation := func() ([]Resource, error) {
		body, err := c.http.GetRaw(ctx, path)
		if err != nil {
			var statusErr *httpclient.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		resources, err := Decode(bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return resources, nil
	}

	resources, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.WarnContext(ctx, "トリプルストア検索を再試行", "type", q.Type, "wait", d, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("トリプルストア検索に失敗 (type=%s): %w", q.Type, err)
	}
	return resources, nil
}
