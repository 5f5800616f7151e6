package gateway

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/portalgate/internal/identity"
	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/logging"
	"github.com/nao1215/portalgate/pkg/middleware"
	"github.com/nao1215/portalgate/pkg/tokencodec"
)

const (
	// loginPagePath はログインページのパス。
	loginPagePath = "/user/login-page"
	// loginCompletePath はログイン完了後にフロントエンドへ戻すパス。
	loginCompletePath = "/login/complete"
)

//go:embed templates/*.html
var templatesFS embed.FS

// loginTemplate はログインページのテンプレート。
var loginTemplate = template.Must(template.ParseFS(templatesFS, "templates/login.html"))

// taskHostPattern はタスク別ホスト名の先頭にあるタスク番号に一致する。
var taskHostPattern = regexp.MustCompile(`^\d+`)

// loginMethod はログインページに表示する認証方式1件。
type loginMethod struct {
	Name string
	URL  string
}

// loginPageData はログインページのテンプレートに渡す値。
type loginPageData struct {
	Methods  []loginMethod
	SystemID string
	AuthURL  string
	HasError bool
	Next     string
}

// loginRequest はログインフォームの入力。
type loginRequest struct {
	Token string `form:"token" json:"token"`
}

// nextFromHost はHostヘッダーの先頭のタスク番号から "vir-<番号>" を作る。
// タスク別ホストでない場合は空文字を返す。
func nextFromHost(host string) string {
	if m := taskHostPattern.FindString(host); m != "" {
		return "vir-" + m
	}
	return ""
}

// loginCompleteURL は公開トークンをフロントエンドへ渡すリダイレクト先を作る。
func loginCompleteURL(publicToken, next string) string {
	q := url.Values{}
	q.Set("token", publicToken)
	q.Set("next", next)
	return loginCompletePath + "?" + q.Encode()
}

// handleLoginPage はログインページを表示するハンドラを返す。
// ログイン済みの場合は公開トークンを付けてフロントエンドへリダイレクトする。
func (s *Server) handleLoginPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess := currentSession(c); sess != nil {
			c.Redirect(http.StatusFound, loginCompleteURL(sess.Principal.PublicToken, c.Query("next")))
			return
		}

		next := nextFromHost(c.Request.Host)
		data := loginPageData{
			SystemID: s.cfg.SystemID,
			AuthURL:  s.cfg.AuthURL,
			HasError: hasQueryKey(c, "error"),
			Next:     next,
		}
		for _, method := range s.cfg.AllowedLogin {
			q := url.Values{}
			q.Set("target", s.cfg.SystemID)
			q.Set("redirectMethod", "POST")
			q.Set("next", next)
			q.Set("allowedLogin", method)
			data.Methods = append(data.Methods, loginMethod{Name: method, URL: s.cfg.AuthURL + "login?" + q.Encode()})
		}

		c.Header("Cache-Control", "no-store")
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		if err := loginTemplate.Execute(c.Writer, data); err != nil {
			logging.FromContext(c.Request.Context()).ErrorContext(c.Request.Context(), "ログインページの描画に失敗", "error", err)
		}
	}
}

// handleLogin はログイントークンを検証してセッションを開始するハンドラを返す。
// 検証に失敗した理由は利用者には返さず、監査ログにのみ残す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.FromContext(ctx)
		remote := c.ClientIP()
		next := nextFromHost(c.Request.Host)

		var req loginRequest
		_ = c.ShouldBind(&req)

		principal, err := s.verifier.Verify(ctx, req.Token)
		if err != nil {
			// 拒否理由はログと監査証跡に残すため、ログイントークンを伏せ字にする。
			reason := tokencodec.Redact(err.Error(), req.Token)
			if isRejection(err) {
				logger.WarnContext(ctx, "ログインを拒否", "reason", reason)
			} else {
				logger.ErrorContext(ctx, "認証基盤への問い合わせに失敗", "error", reason)
			}
			s.metrics.ObserveLogin(false)
			s.recorder.Record(ctx, event.ActionLoginFailed, event.UnknownUser, remote, event.LoginData{Reason: reason})
			c.Redirect(http.StatusFound, loginPagePath+"?error")
			return
		}

		sess, err := session.New(*principal, s.cfg.SessionMaxAge)
		if err == nil {
			err = s.sessions.Put(ctx, sess)
		}
		if err == nil {
			err = middleware.SetSessionCookie(c, s.cfg.SessionSecret, sess.ID, s.cookieOptions())
		}
		if err != nil {
			logger.ErrorContext(ctx, "セッションの開始に失敗", "error", err)
			s.metrics.ObserveLogin(false)
			c.Redirect(http.StatusFound, loginPagePath+"?error")
			return
		}

		// 以前のセッションは新しいセッションに置き換える。
		if old := currentSession(c); old != nil {
			_ = s.sessions.Delete(ctx, old.ID)
		}

		s.metrics.ObserveLogin(true)
		s.metrics.SetActiveSessions(s.sessions.Count())
		s.recorder.Record(ctx, event.ActionLogin, principal.ID, remote, event.LoginData{Roles: principal.Roles})
		logger.InfoContext(ctx, "ログイン", "user", principal.ID, "source", principal.LoginMethod)
		c.Redirect(http.StatusFound, loginCompleteURL(sess.Principal.PublicToken, next))
	}
}

// handleLogout はセッションを破棄するハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sess := currentSession(c); sess != nil {
			s.endSession(c.Request.Context(), sess)
			s.recorder.Record(c.Request.Context(), event.ActionLogout, sess.Principal.ID, c.ClientIP(), nil)
		}
		middleware.ClearSessionCookie(c, s.cookieOptions())
		c.Status(http.StatusNoContent)
	}
}

// cookieOptions はセッションCookieの属性を返す。
func (s *Server) cookieOptions() middleware.SessionCookieOptions {
	return middleware.SessionCookieOptions{
		Domain: s.cfg.SessionDomain,
		MaxAge: s.cfg.SessionMaxAge,
		Secure: s.cfg.SessionSecure,
	}
}

// hasQueryKey は値の有無にかかわらずクエリパラメータが存在するかどうかを返す。
func hasQueryKey(c *gin.Context, key string) bool {
	_, ok := c.Request.URL.Query()[key]
	return ok
}

// isRejection は検証失敗が認証基盤の障害ではなく資格情報によるものかどうかを返す。
func isRejection(err error) bool {
	return !errors.Is(err, identity.ErrUpstream)
}
