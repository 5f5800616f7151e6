package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/portalgate/internal/directory"
	"github.com/nao1215/portalgate/internal/downloads"
	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/httpclient"
	"github.com/nao1215/portalgate/pkg/logging"
	"github.com/nao1215/portalgate/pkg/tokencodec"
)

// loginRequired は未ログイン時に返す本文。
const loginRequired = "Login Required"

// handleAPI は /api 以下のリクエストを振り分けるハンドラを返す。
// ゲートウェイ自身が応答するパス以外は上流APIへ転送する。
func (s *Server) handleAPI() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		if sess == nil {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.String(http.StatusUnauthorized, loginRequired)
			return
		}

		p := c.Param("path")
		get := c.Request.Method == http.MethodGet
		switch {
		case get && p == "/authorities":
			s.getAuthorities(c, sess)
		case get && strings.HasPrefix(p, "/authorities/") && len(p) > len("/authorities/"):
			s.getAuthority(c, sess, strings.TrimPrefix(p, "/authorities/"))
		case get && p == "/file-download":
			s.fileDownload(c, sess)
		case get && p == "/download-requests":
			s.getDownloadRequests(c, sess)
		case get && p == "/audit-events":
			s.getAuditEvents(c, sess)
		case p == "/geo" || strings.HasPrefix(p, "/geo/"):
			if s.geo == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			s.geo.Forward(c.Writer, c.Request, sess, escapedPath(c, "/api/geo"))
		default:
			s.api.Forward(c.Writer, c.Request, sess, escapedPath(c, "/api"))
		}
	}
}

// handleAdmin は認証基盤の権限管理APIへ転送するハンドラを返す。
func (s *Server) handleAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.admin.Forward(c.Writer, c.Request, currentSession(c), escapedPath(c, "/admin"))
	}
}

// escapedPath はリクエストパスから prefix を除いた残りを符号化された形のまま返す。
func escapedPath(c *gin.Context, prefix string) string {
	return strings.TrimPrefix(c.Request.URL.EscapedPath(), prefix)
}

// checkPublicToken はクエリパラメータ token がセッションの公開トークンと一致するかを検査する。
// 一致しない場合は403を返してfalseを返す。
func (s *Server) checkPublicToken(c *gin.Context, sess *session.Session) bool {
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(sess.Principal.PublicToken)) == 1 {
		return true
	}
	s.recorder.Record(c.Request.Context(), event.ActionInvalidToken, sess.Principal.ID, c.ClientIP(), event.RequestData{
		Method: c.Request.Method,
		URL:    c.Request.URL.Path,
		Status: http.StatusForbidden,
	})
	c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Token"})
	return false
}

// recordSuccess はゲートウェイ自身が応答したリクエストを監査ログに記録する。
func (s *Server) recordSuccess(c *gin.Context, sess *session.Session, rawURL string, status int) {
	s.recorder.Record(c.Request.Context(), event.ActionRequestSuccess, sess.Principal.ID, c.ClientIP(), event.RequestData{
		Method: c.Request.Method,
		URL:    rawURL,
		Status: status,
	})
}

// getAuthorities はディレクトリの利用者一覧を返す。
func (s *Server) getAuthorities(c *gin.Context, sess *session.Session) {
	if !s.checkPublicToken(c, sess) {
		return
	}
	users := s.directory.Users(c.Query("includeExpired") == "true")
	s.recordSuccess(c, sess, c.Request.URL.Path, http.StatusOK)
	c.JSON(http.StatusOK, users)
}

// getAuthority は利用者1件を返す。
func (s *Server) getAuthority(c *gin.Context, sess *session.Session, id string) {
	if !s.checkPublicToken(c, sess) {
		return
	}
	ctx := httpclient.WithUserID(c.Request.Context(), sess.Principal.ID)
	user, err := s.directory.User(ctx, id)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	case err != nil:
		logging.FromContext(ctx).ErrorContext(ctx, "利用者の取得に失敗", "id", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
		return
	}
	s.recordSuccess(c, sess, c.Request.URL.Path, http.StatusOK)
	c.JSON(http.StatusOK, user)
}

// fileDownload は非公開トークンを付けた上流のダウンロードURLへリダイレクトする。
func (s *Server) fileDownload(c *gin.Context, sess *session.Session) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	q := url.Values{}
	q.Set("personToken", sess.Principal.PrivateToken)
	target := s.apiBaseURL() + "/warehouse/download/secured/" + url.PathEscape(id) + "?" + q.Encode()

	s.recordSuccess(c, sess, tokencodec.Redact(target, sess.Principal.PrivateToken), http.StatusFound)
	c.Redirect(http.StatusFound, target)
}

// getDownloadRequests はダウンロード申請を返す。
func (s *Server) getDownloadRequests(c *gin.Context, sess *session.Session) {
	ctx := c.Request.Context()
	query := c.Request.URL.Query()
	filters := make(map[string]string)
	for _, key := range []string{downloads.FilterCollectionID, downloads.FilterPerson} {
		if query.Has(key) {
			filters[key] = query.Get(key)
		}
	}

	requests, err := s.downloads.Search(ctx, filters)
	switch {
	case errors.Is(err, downloads.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	case err != nil:
		logging.FromContext(ctx).ErrorContext(ctx, "ダウンロード申請の取得に失敗", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
		return
	}
	s.recordSuccess(c, sess, c.Request.URL.RequestURI(), http.StatusOK)
	c.JSON(http.StatusOK, requests)
}

// serveStatic はフロントエンドの静的ファイルが存在すればそれを返す。
func (s *Server) serveStatic() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			return
		}
		name := filepath.Join(s.cfg.ClientDir, filepath.FromSlash(path.Clean("/"+c.Request.URL.Path)))
		if info, err := os.Stat(name); err == nil && info.Mode().IsRegular() {
			c.File(name)
			c.Abort()
		}
	}
}

// serveIndex はフロントエンドのindex.htmlを返す。Hostヘッダーの先頭に
// タスク番号がある場合はタスク別のindex.htmlを返す。
func (s *Server) serveIndex() gin.HandlerFunc {
	return func(c *gin.Context) {
		index := filepath.Join(s.cfg.ClientDir, "index.html")
		if task := taskHostPattern.FindString(c.Request.Host); task != "" {
			index = filepath.Join(s.cfg.TasksDir, task, "index.html")
		}
		if _, err := os.Stat(index); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.File(index)
	}
}
