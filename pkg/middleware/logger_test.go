package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/portalgate/pkg/logging"
)

// TestRequestLogger はRequestLoggerミドルウェアを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	t.Run("リクエストIDが生成されレスポンスヘッダーに設定されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		router := gin.New()
		router.Use(RequestLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
		router.GET("/health", func(c *gin.Context) { c.Status(http.StatusTeapot) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		reqID := w.Header().Get("X-Request-ID")
		if reqID == "" {
			t.Fatal("X-Request-IDが設定されていない")
		}

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		if entry["req_id"] != reqID {
			t.Errorf("req_id = %v, want %s", entry["req_id"], reqID)
		}
		if entry["status"] != float64(http.StatusTeapot) {
			t.Errorf("status = %v, want %d", entry["status"], http.StatusTeapot)
		}
	})

	t.Run("ハンドラーからコンテキストのロガーを取得できること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		router := gin.New()
		router.Use(RequestLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
		router.GET("/x", func(c *gin.Context) {
			logging.FromContext(c.Request.Context()).Info("handler")
			c.Status(http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", "fixed-id")
		router.ServeHTTP(httptest.NewRecorder(), req)

		first, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
		var entry map[string]any
		if err := json.Unmarshal(first, &entry); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		if entry["msg"] != "handler" || entry["req_id"] != "fixed-id" {
			t.Errorf("ログ = %v", entry)
		}
	})
}
