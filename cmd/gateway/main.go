// 認証ゲートウェイサービスのエントリポイント。
// リクエストの正規化、トークン認可、バックエンドへの転送を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/probeops/gateway/internal/config"
	"github.com/probeops/gateway/internal/gateway"
	"github.com/probeops/gateway/pkg/logging"
)

func main() {
	fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		fallback.Fatal().Err(err).Msg("設定の読み込みに失敗")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fallback.Fatal().Err(err).Msg("ロガーの初期化に失敗")
	}

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ゲートウェイサーバーの初期化に失敗")
	}
	defer server.Close()

	logger.Info().
		Str("port", cfg.Port).
		Str("backend_url", cfg.BackendURL).
		Bool("trusted_caller_enabled", cfg.TrustedCallerEnabled).
		Msg("ゲートウェイサービスを起動します")
	if err := server.Run(); err != nil {
		logger.Fatal().Err(err).Msg("ゲートウェイサービスの起動に失敗")
	}
}
