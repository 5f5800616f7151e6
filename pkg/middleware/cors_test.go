package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	allowed := []string{"http://localhost:3000", "https://portal.example.org"}

	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantOrigin  string
		wantHandled bool
	}{
		{"許可されたオリジンに資格情報付きで許可すること", allowed, http.MethodGet, "https://portal.example.org", false, http.StatusOK, "https://portal.example.org", true},
		{"許可されていないオリジンにはヘッダーを付けないこと", allowed, http.MethodGet, "https://evil.example.com", false, http.StatusOK, "", true},
		{"Originヘッダーが無い場合は何もしないこと", allowed, http.MethodPost, "", false, http.StatusOK, "", true},
		{"空の許可リストでは許可しないこと", nil, http.MethodGet, "http://localhost:3000", false, http.StatusOK, "", true},
		{"許可されたオリジンのプリフライトは204で応答すること", allowed, http.MethodOptions, "http://localhost:3000", true, http.StatusNoContent, "http://localhost:3000", false},
		{"許可されていないオリジンのプリフライトは403で拒否すること", allowed, http.MethodOptions, "https://evil.example.com", true, http.StatusForbidden, "", false},
		{"プリフライトでないOPTIONSは後続へ渡すこと", allowed, http.MethodOptions, "http://localhost:3000", false, http.StatusOK, "http://localhost:3000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handled := false
			router := gin.New()
			router.Use(CORS(tt.origins))
			router.Handle(tt.method, "/api/test", func(c *gin.Context) {
				handled = true
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(tt.method, "/api/test", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPut)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if handled != tt.wantHandled {
				t.Errorf("ハンドラー実行 = %v, want %v", handled, tt.wantHandled)
			}
			if tt.wantOrigin != "" {
				if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
					t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
				}
			}
			if tt.origin != "" && w.Header().Get("Vary") != "Origin" {
				t.Errorf("Vary = %q, want %q", w.Header().Get("Vary"), "Origin")
			}
		})
	}
}
