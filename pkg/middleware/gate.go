package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// LoginRedirect は未ログインのリクエストをログインページへリダイレクトするGinミドルウェアを返す。
// 元のパスは next クエリパラメータで渡す。exemptPrefixes に一致するパスは判定しない。
func LoginRedirect(loginPath string, authenticated func(*gin.Context) bool, exemptPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range exemptPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		if authenticated(c) {
			c.Next()
			return
		}
		c.Redirect(http.StatusFound, loginPath+"?next="+url.QueryEscape(c.Request.URL.RequestURI()))
		c.Abort()
	}
}
