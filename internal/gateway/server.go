package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/portalgate/internal/directory"
	"github.com/nao1215/portalgate/internal/downloads"
	"github.com/nao1215/portalgate/internal/identity"
	"github.com/nao1215/portalgate/internal/proxy"
	"github.com/nao1215/portalgate/internal/session"
	"github.com/nao1215/portalgate/pkg/audit"
	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/graphql"
	"github.com/nao1215/portalgate/pkg/metrics"
	"github.com/nao1215/portalgate/pkg/middleware"
	"github.com/nao1215/portalgate/pkg/triplestore"
)

const (
	// logoutPrefix はDELETEで上流のトークンを失効させるパス。セッションも破棄する。
	logoutPrefix = "/person-token/"
	// adminPathPrefix は認証基盤の権限管理APIのパス。
	adminPathPrefix = "secureportal-roles"
	// geoPathPrefix は地理情報APIの管理用パス。
	geoPathPrefix = "admin/api"
	// shutdownTimeout はシャットダウン時に処理中のリクエストを待つ時間。
	shutdownTimeout = 10 * time.Second
)

// downloadTypeAliases はダウンロード種別の別名と上流の値の対応。
var downloadTypeAliases = map[string]string{
	"full":        "AUTHORITIES_FULL",
	"lightweight": "AUTHORITIES_LIGHTWEIGHT",
	"api-key":     "AUTHORITIES_API_KEY",
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *Config
	// logger はサーバー全体のロガー。
	logger *slog.Logger

	sessions  *session.MemoryStore
	sweeper   *session.Sweeper
	verifier  identity.Verifier
	directory *directory.Cache
	downloads *downloads.Index

	// api は上流APIへのプロキシ。
	api *proxy.Proxy
	// geo は地理情報APIへのプロキシ。設定されていない場合はnil。
	geo *proxy.Proxy
	// admin は権限管理APIへのプロキシ。
	admin *proxy.Proxy

	recorder *audit.Recorder
	// events は監査イベントの参照先。監査データベースが無い場合はnil。
	events  eventLister
	metrics *metrics.Metrics
}

// NewServer は設定に従って監査ログの出力先を開き、新しいServerを生成する。
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	var (
		sinks  []audit.Sink
		events eventLister
	)
	if cfg.LogPath != "" {
		sinks = append(sinks, audit.NewFileSink(cfg.LogPath))
	}
	if cfg.AuditDBPath != "" {
		sqlite, err := audit.OpenSQLite(ctx, cfg.AuditDBPath)
		if err != nil {
			return nil, fmt.Errorf("監査データベースの初期化に失敗: %w", err)
		}
		sinks = append(sinks, sqlite)
		events = sqlite
	}
	recorder := audit.NewRecorder(logger, sinks...)

	s, err := newServer(cfg, logger, recorder)
	if err != nil {
		_ = recorder.Close()
		return nil, err
	}
	s.events = events
	return s, nil
}

// newServer は監査ログの記録先を受け取ってServerを組み立てる。
func newServer(cfg *Config, logger *slog.Logger, recorder *audit.Recorder) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New()
	sessions := session.NewMemoryStore()
	searcher := triplestore.NewClient(cfg.TriplestoreURL, cfg.TriplestoreAuth)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		sweeper:  session.NewSweeper(sessions, cfg.SessionSweepInterval, m.SetActiveSessions),
		verifier: identity.NewClient(identity.Config{
			AuthURL:      cfg.AuthURL,
			SystemID:     cfg.SystemID,
			AllowedRoles: cfg.AllowedRoles,
			AllowedLogin: cfg.AllowedLogin,
		}),
		directory: directory.New(searcher, directory.Config{
			Roles:     cfg.AllowedRoles,
			AdminRole: cfg.AdminRole,
		}, m),
		downloads: downloads.New(searcher, graphql.NewClient(cfg.APIURL, cfg.APIAccessToken), downloads.Config{
			SystemID:        cfg.SystemID,
			RootCollections: cfg.RootCollections,
		}),
		recorder: recorder,
		metrics:  m,
	}
	if err := s.setupProxies(); err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.SessionCookie(cfg.SessionSecret))
	router.Use(s.sessionAuth())
	s.router = router
	s.setupRoutes()

	return s, nil
}

// setupProxies は上流ごとのプロキシを生成する。
func (s *Server) setupProxies() error {
	apiTarget, err := url.Parse(s.cfg.APIURL)
	if err != nil {
		return fmt.Errorf("API_URL が不正です: %w", err)
	}
	s.api, err = proxy.New(proxy.Options{
		Name:          "api",
		Target:        apiTarget,
		Authorization: s.cfg.APIAccessToken,
		RewriteTokens: true,
		PathRemaps:    []proxy.PathRemap{{From: "/query/", To: "/private-query/"}},
		QueryAliases:  map[string]map[string]string{"downloadType": downloadTypeAliases},
		IdentityParam: "personId",
		Policy:        proxy.NewQueryPolicy(s.cfg.AllowedQueryHashes),
		LogoutPrefix:  logoutPrefix,
		OnLogout:      s.endSession,
		MaxBodyBytes:  s.cfg.MaxBodyBytes,
		Recorder:      s.recorder,
		Metrics:       s.metrics,
	})
	if err != nil {
		return err
	}

	adminTarget, err := url.Parse(s.cfg.AuthURL + adminPathPrefix)
	if err != nil {
		return fmt.Errorf("AUTH_URL が不正です: %w", err)
	}
	s.admin, err = proxy.New(proxy.Options{
		Name:            "admin",
		Target:          adminTarget,
		CredentialParam: "personToken",
		// 403はクライアント側でログインページへのリダイレクトを引き起こすため返さない。
		MapStatus: func(status int) int {
			if status >= http.StatusBadRequest {
				return http.StatusBadRequest
			}
			return status
		},
		OnResponse: func(ctx context.Context, status int) {
			if status >= 200 && status < 400 {
				s.directory.TriggerRefresh(ctx)
			}
		},
		Action:       event.ActionAdminRequest,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Recorder:     s.recorder,
		Metrics:      s.metrics,
	})
	if err != nil {
		return err
	}

	if s.cfg.GeoAPIURL == "" {
		return nil
	}
	geoTarget, err := url.Parse(s.cfg.GeoAPIURL + geoPathPrefix)
	if err != nil {
		return fmt.Errorf("GEOAPI_URL が不正です: %w", err)
	}
	s.geo, err = proxy.New(proxy.Options{
		Name:          "geo",
		Target:        geoTarget,
		Authorization: s.cfg.GeoAPIAuth,
		RewriteTokens: true,
		MapStatus: func(status int) int {
			if status == http.StatusForbidden {
				return http.StatusInternalServerError
			}
			return status
		},
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Recorder:     s.recorder,
		Metrics:      s.metrics,
	})
	return err
}

// Run はバックグラウンド処理を開始してHTTPサーバーを起動する。
// ctxがキャンセルされると処理中のリクエストを待ってから停止する。
func (s *Server) Run(ctx context.Context) error {
	s.start(ctx)
	defer s.stop()

	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("ゲートウェイを起動します", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("ゲートウェイを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// start はディレクトリ・ダウンロード申請の定期更新とセッションの掃除を開始する。
func (s *Server) start(ctx context.Context) {
	s.directory.Start(ctx, s.cfg.DirectoryInitialDelay, s.cfg.DirectoryRefreshInterval)
	s.downloads.Start(ctx, s.cfg.DownloadsRefreshInterval)
	s.sweeper.Start(ctx)
}

// stop はバックグラウンド処理を停止し、監査ログの出力先を閉じる。
func (s *Server) stop() {
	s.sweeper.Stop()
	s.downloads.Stop()
	s.directory.Stop()
	if err := s.recorder.Close(); err != nil {
		s.logger.Error("監査ログのクローズに失敗", "error", err)
	}
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	user := s.router.Group("/user")
	{
		user.GET("/login-page", s.handleLoginPage())
		user.POST("/login-page", s.handleLogin())
		user.POST("/logout", s.handleLogout())
	}

	// 認証の要否と振り分けはハンドラ内で判断する。
	s.router.Any("/api/*path", s.handleAPI())
	s.router.Any("/admin/*path", s.handleAdmin())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// それ以外はフロントエンドを配信する。
	s.router.NoRoute(
		s.serveStatic(),
		middleware.LoginRedirect(loginPagePath, func(c *gin.Context) bool { return currentSession(c) != nil }, "/login/"),
		s.serveIndex(),
	)
}

// sessionAuth はCookieのセッションIDからセッションを読み込み、リクエストのコンテキストに格納する。
func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := middleware.GetSessionID(c); id != "" {
			ctx := c.Request.Context()
			sess, err := s.sessions.Get(ctx, id)
			if err == nil {
				c.Request = c.Request.WithContext(session.WithSession(ctx, sess))
			} else if !errors.Is(err, session.ErrNotFound) {
				s.logger.ErrorContext(ctx, "セッションの読み込みに失敗", "error", err)
			}
		}
		c.Next()
	}
}

// currentSession はリクエストに結び付いたセッションを返す。未ログインの場合はnil。
func currentSession(c *gin.Context) *session.Session {
	sess, _ := session.FromContext(c.Request.Context())
	return sess
}

// endSession はセッションを破棄する。
func (s *Server) endSession(ctx context.Context, sess *session.Session) {
	if err := s.sessions.Delete(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.ErrorContext(ctx, "セッションの破棄に失敗", "error", err)
	}
	s.metrics.SetActiveSessions(s.sessions.Count())
}

// apiBaseURL は末尾のスラッシュを除いた上流APIのベースURLを返す。
func (s *Server) apiBaseURL() string {
	return strings.TrimSuffix(s.cfg.APIURL, "/")
}
