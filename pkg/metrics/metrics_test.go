package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("プロキシのリクエスト数がステータス別に集計される", func(t *testing.T) {
		t.Parallel()

		m := New()
		m.ObserveProxy("api", 200, 10*time.Millisecond)
		m.ObserveProxy("api", 200, 20*time.Millisecond)
		m.ObserveProxy("api", 502, time.Millisecond)

		if got := testutil.ToFloat64(m.proxyRequests.WithLabelValues("api", "200")); got != 2 {
			t.Errorf("200の件数 = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.proxyRequests.WithLabelValues("api", "502")); got != 1 {
			t.Errorf("502の件数 = %v, want 1", got)
		}
	})

	t.Run("ディレクトリ更新の失敗ではキャッシュ件数を変えない", func(t *testing.T) {
		t.Parallel()

		m := New()
		m.ObserveDirectoryRefresh(true, 5)
		m.ObserveDirectoryRefresh(false, 0)

		if got := testutil.ToFloat64(m.directoryRecords); got != 5 {
			t.Errorf("件数 = %v, want 5", got)
		}
		if got := testutil.ToFloat64(m.directoryRefresh.WithLabelValues("failure")); got != 1 {
			t.Errorf("失敗回数 = %v, want 1", got)
		}
	})

	t.Run("nilのMetricsでもパニックしない", func(t *testing.T) {
		t.Parallel()

		var m *Metrics
		m.ObserveProxy("api", 200, time.Second)
		m.ObserveLogin(true)
		m.ObserveDirectoryRefresh(true, 1)
		m.SetActiveSessions(1)
	})

	t.Run("ハンドラがテキスト形式で出力する", func(t *testing.T) {
		t.Parallel()

		m := New()
		m.ObserveLogin(false)
		m.SetActiveSessions(3)

		srv := httptest.NewServer(m.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		for _, want := range []string{
			`portalgate_logins_total{result="failure"} 1`,
			`portalgate_active_sessions 3`,
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("出力に %q が含まれない", want)
			}
		}
	})
}
