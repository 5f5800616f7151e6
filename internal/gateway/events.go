package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/logging"
)

const (
	// defaultEventLimit は監査イベント取得の既定の件数。
	defaultEventLimit = 100
	// maxEventLimit は監査イベント取得の最大件数。
	maxEventLimit = 1000
	// defaultEventWindow は since を省略した場合にさかのぼる期間。
	defaultEventWindow = 24 * time.Hour
)

// eventLister は保存済みの監査イベントを日時順に返す。*audit.SQLiteSink が満たす。
type eventLister interface {
	List(ctx context.Context, since time.Time, limit int) ([]event.Event, error)
}

// getAuditEvents は日時指定で監査イベントを返す。管理者ロールを持つ利用者のみが参照できる。
// クエリパラメータ: since（RFC3339）、limit。
func (s *Server) getAuditEvents(c *gin.Context, sess *session.Session) {
	if !sess.Principal.HasRole(s.cfg.AdminRole) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "監査イベントは保存されていません"})
		return
	}

	since := time.Now().Add(-defaultEventWindow)
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since はRFC3339形式で指定してください"})
			return
		}
		since = t
	}
	limit := defaultEventLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit は正の整数で指定してください"})
			return
		}
		limit = min(n, maxEventLimit)
	}

	ctx := c.Request.Context()
	events, err := s.events.List(ctx, since, limit)
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "監査イベントの取得に失敗", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "監査イベントの取得に失敗しました"})
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	c.JSON(http.StatusOK, events)
}
