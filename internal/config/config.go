package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はゲートウェイ全体の設定。起動時に一度だけ構築され、以後不変。
type Config struct {
	// Port はゲートウェイのリッスンポート。
	Port string
	// BackendURL は転送先バックエンドAPIのベースURL。
	BackendURL string
	// BackendStripsAPIPrefix はバックエンドがAPIをルート直下にマウントしているかどうか。
	// trueの場合、転送時に正規化パスの/apiプレフィックスを取り除く。
	BackendStripsAPIPrefix bool
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string
	// TokenTTL は通常トークンの有効期間。
	TokenTTL time.Duration
	// ProbeTokenTTL はプローブ設定用トークンの有効期間。
	ProbeTokenTTL time.Duration
	// TrustedCallerEnabled は管理者トークン自動注入の有効化フラグ。
	// サービス間通信専用であり、本番のエンドユーザー経路では無効にすること。
	TrustedCallerEnabled bool
	// RepairJSON はバックエンドの不正なJSONレスポンスを空のJSONに置き換えるかどうか。
	RepairJSON bool
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string
	// AuditDBPath はトークン監査ログ用SQLiteデータベースのパス。
	AuditDBPath string
	// BackendTimeout はバックエンドの最初のレスポンスヘッダーを待つ上限時間。
	BackendTimeout time.Duration
	// BackendConnectTimeout はバックエンドへのTCP接続確立の上限時間。
	BackendConnectTimeout time.Duration
	// LogLevel はログレベル（trace/debug/info/warn/error/disabled）。
	LogLevel string
	// LogDir はログファイルの出力先ディレクトリ。空の場合は標準エラー出力。
	LogDir string
}

// Load は環境変数から設定を読み込む。
// カレントディレクトリに.envファイルが存在すれば先に読み込む。
func Load() (*Config, error) {
	// .envは任意。存在しなくてもエラーにしない
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnvOr("GATEWAY_PORT", "8080"),
		BackendURL:             getEnvOr("BACKEND_URL", "http://localhost:8000"),
		BackendStripsAPIPrefix: getBoolOr("BACKEND_STRIPS_API_PREFIX", true),
		JWTSecret:              getEnvOr("JWT_SECRET", "dev-secret-key"),
		TrustedCallerEnabled:   getBoolOr("TRUSTED_CALLER_ENABLED", false),
		RepairJSON:             getBoolOr("REPAIR_JSON", true),
		FrontendURL:            getEnvOr("FRONTEND_URL", "http://localhost:3000"),
		AuditDBPath:            getEnvOr("AUDIT_DB_PATH", "/data/gateway-audit.db"),
		LogLevel:               getEnvOr("LOG_LEVEL", "info"),
		LogDir:                 getEnvOr("LOG_DIR", ""),
	}

	var err error
	if cfg.TokenTTL, err = getDurationOr("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProbeTokenTTL, err = getDurationOr("PROBE_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.BackendTimeout, err = getDurationOr("BACKEND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackendConnectTimeout, err = getDurationOr("BACKEND_CONNECT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("BACKEND_URLが不正: %q", cfg.BackendURL)
	}

	return cfg, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getBoolOr は環境変数を真偽値として取得する。解釈できない値はデフォルト値を返す。
func getBoolOr(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// getDurationOr は環境変数をtime.Durationとして取得する。
func getDurationOr(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%sの期間指定が不正: %w", key, err)
	}
	return d, nil
}
