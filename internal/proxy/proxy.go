// Package proxy は認証済みリクエストを上流サービスへ転送するプロキシを提供する。
//
// 転送前に公開トークンを非公開トークンへ置き換え、固定のパス変換や
// 利用者IDの付与、GraphQLクエリの許可リスト検査を行う。上流の応答は
// ステータス・ヘッダー・ボディをそのままストリーミングで返す。
// 1リクエストにつき、応答の完了後に監査ログを1件だけ記録する。
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/audit"
	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/logging"
	"github.com/nao1215/portalgate/pkg/metrics"
	"github.com/nao1215/portalgate/pkg/tokencodec"
)

const (
	// DefaultMaxBodyBytes は書き換えのために読み込むリクエストボディの既定の上限。
	DefaultMaxBodyBytes = 10 << 20
	// maxLoggedBody は監査ログに残すボディの最大バイト数。
	maxLoggedBody = 4096
)

// PathRemap はパス中の固定の文字列を置き換える規則。
type PathRemap struct {
	// From は置き換え対象の文字列。
	From string
	// To は置き換え後の文字列。
	To string
}

// Options はProxyの設定。
type Options struct {
	// Name は上流の名前。メトリクスとログのラベルに使う。
	Name string
	// Target は上流のベースURL。転送先は Target のパスに要求パスを連結したものになる。
	Target *url.URL
	// Authorization は上流に送るAuthorizationヘッダー。空の場合はヘッダーを送らない。
	Authorization string
	// RewriteTokens はURLとボディの公開トークンを非公開トークンに置き換えるかどうか。
	RewriteTokens bool
	// PathRemaps はパスに適用する置き換え規則。各規則は最初の1箇所のみに適用する。
	PathRemaps []PathRemap
	// QueryAliases はクエリパラメータの値の別名。パラメータ名ごとに別名から実際の値への対応を持つ。
	QueryAliases map[string]map[string]string
	// IdentityParam は利用者IDを付与するクエリパラメータ名。空の場合は付与しない。
	IdentityParam string
	// CredentialParam は非公開トークンを付与するクエリパラメータ名。空の場合は付与しない。
	CredentialParam string
	// Policy はGraphQLクエリの許可リスト。nilの場合は検査しない。
	Policy *QueryPolicy
	// LogoutPrefix はDELETEでセッションを破棄するパスの接頭辞。空の場合は判定しない。
	LogoutPrefix string
	// OnLogout はLogoutPrefixに一致するDELETEを転送する前に呼ばれる。
	OnLogout func(ctx context.Context, s *session.Session)
	// MapStatus は上流のステータスコードを呼び出し元に返す値に変換する。
	MapStatus func(status int) int
	// OnResponse は上流から応答を受け取った時点で、変換前のステータスコードとともに呼ばれる。
	OnResponse func(ctx context.Context, status int)
	// Action は転送に成功した場合の監査アクション。空の場合は API_REQUEST_SUCCESS。
	Action event.Action
	// MaxBodyBytes は読み込むリクエストボディの上限。0の場合は DefaultMaxBodyBytes。
	MaxBodyBytes int64
	// Transport は上流への通信に使うRoundTripper。nilの場合は http.DefaultTransport。
	Transport http.RoundTripper
	// Recorder は監査ログの記録先。nilの場合は記録しない。
	Recorder *audit.Recorder
	// Metrics はメトリクスの記録先。nilでもよい。
	Metrics *metrics.Metrics
}

// Proxy は1つの上流サービスへの転送を担う。
type Proxy struct {
	opts Options
}

// New は新しいProxyを生成する。
func New(opts Options) (*Proxy, error) {
	if opts.Target == nil || opts.Target.Scheme == "" || opts.Target.Host == "" {
		return nil, fmt.Errorf("転送先URLが不正です: %v", opts.Target)
	}
	if opts.Action == "" {
		opts.Action = event.ActionRequestSuccess
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Proxy{opts: opts}, nil
}

// outcome は1リクエストの処理結果。監査ログの記録に使う。
type outcome struct {
	action event.Action
	status int
	url    string
	body   []byte
	err    error
}

// Forward はリクエストを上流へ転送する。pathは上流のベースURLからの相対パスで、
// 先頭は "/"、符号化された形（URL.EscapedPath と同じ形式）で渡す。
// セッションがnilの場合は401を返す。
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, sess *session.Session, path string) {
	if sess == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "Login Required")
		return
	}

	start := time.Now()
	out := &outcome{action: p.opts.Action}
	defer func() {
		// 応答の送信中に接続が切れるとReverseProxyはhttp.ErrAbortHandlerでパニックする。
		rec := recover()
		if rec != nil {
			out.action = event.ActionRequestFailed
			out.err = fmt.Errorf("応答の送信が中断されました: %v", rec)
		}
		p.record(r, sess, out, time.Since(start))
		if rec != nil {
			panic(rec)
		}
	}()
	p.forward(w, r, sess, path, out)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, sess *session.Session, reqPath string, out *outcome) {
	principal := sess.Principal

	rawPath, rawQuery := reqPath, r.URL.RawQuery
	if p.opts.RewriteTokens {
		var err error
		if rawPath, err = tokencodec.RewriteInbound(rawPath, principal.PublicToken, principal.PrivateToken); err == nil {
			rawQuery, err = tokencodec.RewriteInbound(rawQuery, principal.PublicToken, principal.PrivateToken)
		}
		if err != nil {
			out.action, out.status, out.err = event.ActionRequestFailed, http.StatusInternalServerError, err
			writeJSONError(w, out.status, "internal error")
			return
		}
	}
	for _, remap := range p.opts.PathRemaps {
		rawPath = strings.Replace(rawPath, remap.From, remap.To, 1)
	}

	target := *p.opts.Target
	target.RawPath = strings.TrimSuffix(target.EscapedPath(), "/") + rawPath
	decodedPath, err := url.PathUnescape(target.RawPath)
	if err == nil {
		target.Path = decodedPath
		decodedPath, err = url.PathUnescape(rawPath)
	}
	if err != nil {
		out.action, out.status, out.err = event.ActionRequestDenied, http.StatusBadRequest, err
		writeJSONError(w, out.status, "invalid path")
		return
	}

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		out.action, out.status, out.err = event.ActionRequestDenied, http.StatusBadRequest, err
		writeJSONError(w, out.status, "invalid query")
		return
	}
	target.RawQuery = p.editQuery(rawQuery, principal)
	out.url = tokencodec.Redact(target.String(), principal.PrivateToken)

	var body []byte
	if hasBody(r.Method) && r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, p.opts.MaxBodyBytes+1))
		if err != nil {
			out.action, out.status, out.err = event.ActionRequestFailed, http.StatusBadRequest, err
			writeJSONError(w, out.status, "failed to read request body")
			return
		}
		if int64(len(body)) > p.opts.MaxBodyBytes {
			out.action, out.status = event.ActionRequestDenied, http.StatusRequestEntityTooLarge
			writeJSONError(w, out.status, "request body too large")
			return
		}
	}

	if p.opts.Policy != nil && IsGraphQL(decodedPath) {
		if err := p.opts.Policy.Check(r.Method, query, body); err != nil {
			out.action, out.err = event.ActionRequestDenied, err
			out.status = http.StatusForbidden
			if errors.Is(err, ErrQueryNotRecognized) {
				out.status = http.StatusNotAcceptable
			}
			out.body = body
			writeJSONError(w, out.status, "query not allowed")
			return
		}
	}

	if p.opts.RewriteTokens && len(body) > 0 {
		body = tokencodec.RewriteInboundBody(body, principal.PublicToken, principal.PrivateToken)
	}
	out.body = []byte(tokencodec.Redact(string(body), principal.PrivateToken))

	if p.opts.LogoutPrefix != "" && r.Method == http.MethodDelete && strings.HasPrefix(decodedPath, p.opts.LogoutPrefix) {
		if p.opts.OnLogout != nil {
			p.opts.OnLogout(r.Context(), sess)
		}
		if p.opts.Recorder != nil {
			p.opts.Recorder.Record(r.Context(), event.ActionLogout, principal.ID, clientIP(r), nil)
		}
	}

	rp := &httputil.ReverseProxy{
		Transport: p.opts.Transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = &target
			pr.Out.Host = target.Host
			pr.SetXForwarded()
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Content-Length")
			if p.opts.Authorization != "" {
				pr.Out.Header.Set("Authorization", p.opts.Authorization)
			} else {
				pr.Out.Header.Del("Authorization")
			}
			if hasBody(pr.Out.Method) {
				pr.Out.Body = io.NopCloser(bytes.NewReader(body))
				pr.Out.ContentLength = int64(len(body))
				pr.Out.GetBody = func() (io.ReadCloser, error) {
					return io.NopCloser(bytes.NewReader(body)), nil
				}
			} else {
				pr.Out.Body = http.NoBody
				pr.Out.ContentLength = 0
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			if p.opts.OnResponse != nil {
				p.opts.OnResponse(resp.Request.Context(), resp.StatusCode)
			}
			if p.opts.MapStatus != nil {
				if mapped := p.opts.MapStatus(resp.StatusCode); mapped != resp.StatusCode {
					resp.StatusCode = mapped
					resp.Status = fmt.Sprintf("%d %s", mapped, http.StatusText(mapped))
				}
			}
			out.status = resp.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			out.action, out.status, out.err = event.ActionRequestFailed, http.StatusBadGateway, err
			writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	rp.ServeHTTP(w, r)
}

// editQuery は別名の置き換えと利用者ID・資格情報の付与を行う。
// 書き換えないパラメータは元の順序と符号化のまま残し、付与するパラメータは末尾に置く。
// 付与するパラメータと同名の既存のパラメータは取り除く。
func (p *Proxy) editQuery(rawQuery string, principal session.Principal) string {
	appended := url.Values{}
	if p.opts.IdentityParam != "" && principal.ID != "" {
		appended.Set(p.opts.IdentityParam, principal.ID)
	}
	if p.opts.CredentialParam != "" {
		appended.Set(p.opts.CredentialParam, principal.PrivateToken)
	}

	var parts []string
	for pair := range strings.SplitSeq(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			parts = append(parts, pair)
			continue
		}
		if _, ok := appended[key]; ok {
			continue
		}
		if aliases, ok := p.opts.QueryAliases[key]; ok {
			if value, err := url.QueryUnescape(rawValue); err == nil {
				if actual, ok := aliases[value]; ok {
					pair = rawKey + "=" + url.QueryEscape(actual)
				}
			}
		}
		parts = append(parts, pair)
	}
	if len(appended) > 0 {
		parts = append(parts, appended.Encode())
	}
	return strings.Join(parts, "&")
}

// record は処理結果を監査ログ・構造化ログ・メトリクスに記録する。
func (p *Proxy) record(r *http.Request, sess *session.Session, out *outcome, elapsed time.Duration) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	attrs := []any{
		"upstream", p.opts.Name,
		"action", out.action,
		"user", sess.Principal.ID,
		"upstream_url", out.url,
		"status", out.status,
		"duration_ms", elapsed.Milliseconds(),
	}
	if out.err != nil {
		logger.WarnContext(ctx, "proxy", append(attrs, "error", out.err)...)
	} else {
		logger.InfoContext(ctx, "proxy", attrs...)
	}

	p.opts.Metrics.ObserveProxy(p.opts.Name, out.status, elapsed)

	if p.opts.Recorder == nil {
		return
	}
	body := out.body
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	// 応答の送信後に記録するため、切断済みのリクエストでも書き込めるようにする。
	p.opts.Recorder.Record(context.WithoutCancel(ctx), out.action, sess.Principal.ID, clientIP(r), event.RequestData{
		Method:     r.Method,
		URL:        out.url,
		Body:       string(body),
		Status:     out.status,
		DurationMS: elapsed.Milliseconds(),
	})
}

// hasBody はメソッドがボディを転送するかどうかを返す。GETとDELETEはボディを持たない。
func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return false
	default:
		return true
	}
}

// clientIP はリクエスト元のアドレスを返す。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
