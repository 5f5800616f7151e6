package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/portalgate/internal/proxy"
	"github.com/spf13/viper"
)

// Config はゲートウェイの設定。環境変数から読み込む。
type Config struct {
	// Port はリッスンポート。
	Port string
	// AuthURL は認証基盤のベースURL（末尾のスラッシュを含む）。
	AuthURL string
	// APIURL は上流APIのベースURL。
	APIURL string
	// APIAccessToken は上流APIに送るサービス用のアクセストークン。
	APIAccessToken string
	// SystemID はこのシステムの識別子。
	SystemID string
	// AllowedLogin はログインを許可する認証方式。
	AllowedLogin []string
	// AllowedRoles はログインを許可するロール。
	AllowedRoles []string
	// AdminRole は権限管理用のロール。ディレクトリには載せない。
	AdminRole string
	// AllowedQueryHashes は転送を許可するGraphQLクエリのハッシュ。
	AllowedQueryHashes []string
	// SessionSecret はセッションCookieの署名鍵。
	SessionSecret string
	// SessionDomain はセッションCookieのDomain属性。
	SessionDomain string
	// SessionMaxAge はセッションの有効期間。
	SessionMaxAge time.Duration
	// SessionSecure はセッションCookieにSecure属性を付与するかどうか。
	SessionSecure bool
	// LogPath は監査ログファイルの接頭辞。空の場合はファイルに書かない。
	LogPath string
	// LogLevel はログレベル。
	LogLevel string
	// LogFormat はログの出力形式。
	LogFormat string
	// AuditDBPath は監査ログを保存するSQLiteファイル。空の場合は保存しない。
	AuditDBPath string
	// TriplestoreURL はトリプルストア検索APIのベースURL。
	TriplestoreURL string
	// TriplestoreAuth はトリプルストアに送るAuthorizationヘッダー。
	TriplestoreAuth string
	// GeoAPIURL は地理情報APIのベースURL（末尾のスラッシュを含む）。空の場合は転送しない。
	GeoAPIURL string
	// GeoAPIAuth は地理情報APIに送るAuthorizationヘッダー。
	GeoAPIAuth string
	// RootCollections はダウンロード申請を分類するルートコレクション。
	RootCollections []string
	// ClientDir はフロントエンドの配信ディレクトリ。
	ClientDir string
	// TasksDir はタスク別フロントエンドの配信ディレクトリ。
	TasksDir string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// MaxBodyBytes は書き換えのために読み込むリクエストボディの上限。
	MaxBodyBytes int64
	// DirectoryRefreshInterval はディレクトリの更新間隔。
	DirectoryRefreshInterval time.Duration
	// DirectoryInitialDelay は起動から最初のディレクトリ更新までの待機時間。
	DirectoryInitialDelay time.Duration
	// DownloadsRefreshInterval はダウンロード申請一覧の更新間隔。
	DownloadsRefreshInterval time.Duration
	// SessionSweepInterval は期限切れセッションの掃除間隔。
	SessionSweepInterval time.Duration
}

// setDefaults は設定の既定値を登録する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ADMIN_ROLE", "MA.admin")
	v.SetDefault("SESSION_MAX_AGE", 48*time.Hour)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CLIENT_DIR", "./client")
	v.SetDefault("TASKS_DIR", "../vir-tasks")
	v.SetDefault("MAX_BODY_BYTES", int64(proxy.DefaultMaxBodyBytes))
	v.SetDefault("DIRECTORY_REFRESH_INTERVAL", time.Hour)
	v.SetDefault("DIRECTORY_INITIAL_DELAY", 3*time.Second)
	v.SetDefault("DOWNLOADS_REFRESH_INTERVAL", time.Hour)
	v.SetDefault("SESSION_SWEEP_INTERVAL", 10*time.Minute)
}

// LoadConfig は環境変数（およびvに設定済みの値）から設定を読み込み、検証する。
// vがnilの場合は新しいviperインスタンスを使う。
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Port:                     v.GetString("PORT"),
		AuthURL:                  v.GetString("AUTH_URL"),
		APIURL:                   v.GetString("API_URL"),
		APIAccessToken:           v.GetString("API_ACCESS_TOKEN"),
		SystemID:                 v.GetString("SYSTEM_ID"),
		AllowedLogin:             splitList(v.GetString("ALLOWED_LOGIN")),
		AllowedRoles:             splitList(v.GetString("ALLOWED_ROLES")),
		AdminRole:                v.GetString("ADMIN_ROLE"),
		AllowedQueryHashes:       splitList(v.GetString("ALLOWED_QUERY_HASHES")),
		SessionSecret:            v.GetString("SESSION_SECRET"),
		SessionDomain:            v.GetString("SESSION_DOMAIN"),
		SessionMaxAge:            v.GetDuration("SESSION_MAX_AGE"),
		SessionSecure:            v.GetBool("SESSION_SECURE"),
		LogPath:                  v.GetString("LOG_PATH"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		LogFormat:                v.GetString("LOG_FORMAT"),
		AuditDBPath:              v.GetString("AUDIT_DB_PATH"),
		TriplestoreURL:           v.GetString("TRIPLESTORE_URL"),
		TriplestoreAuth:          v.GetString("TRIPLESTORE_AUTH"),
		GeoAPIURL:                v.GetString("GEOAPI_URL"),
		GeoAPIAuth:               v.GetString("GEOAPI_AUTH"),
		RootCollections:          splitList(v.GetString("ROOT_COLLECTIONS")),
		ClientDir:                v.GetString("CLIENT_DIR"),
		TasksDir:                 v.GetString("TASKS_DIR"),
		AllowedOrigins:           splitList(v.GetString("ALLOWED_ORIGINS")),
		MaxBodyBytes:             v.GetInt64("MAX_BODY_BYTES"),
		DirectoryRefreshInterval: v.GetDuration("DIRECTORY_REFRESH_INTERVAL"),
		DirectoryInitialDelay:    v.GetDuration("DIRECTORY_INITIAL_DELAY"),
		DownloadsRefreshInterval: v.GetDuration("DOWNLOADS_REFRESH_INTERVAL"),
		SessionSweepInterval:     v.GetDuration("SESSION_SWEEP_INTERVAL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は必須の設定が揃っていることを検証する。
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key   string
		value string
	}{
		{"SESSION_SECRET", c.SessionSecret},
		{"AUTH_URL", c.AuthURL},
		{"API_URL", c.APIURL},
		{"SYSTEM_ID", c.SystemID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s が設定されていません", r.key))
		}
	}
	if c.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE は正の値を指定してください"))
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"DIRECTORY_REFRESH_INTERVAL", c.DirectoryRefreshInterval},
		{"DOWNLOADS_REFRESH_INTERVAL", c.DownloadsRefreshInterval},
		{"SESSION_SWEEP_INTERVAL", c.SessionSweepInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s は正の値を指定してください", d.key))
		}
	}
	return errors.Join(errs...)
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
