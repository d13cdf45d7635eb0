package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// logFileName はログディレクトリ指定時のファイル名。
const logFileName = "gateway.log"

// New は指定されたレベルと出力先でロガーを生成する。
// dirが空の場合は標準エラー出力、指定された場合はdir配下のgateway.logに
// JSON行形式で追記する。不正なレベル文字列はinfoとして扱う。
func New(level, dir string) (zerolog.Logger, error) {
	var w io.Writer = os.Stderr
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("ログファイルのオープンに失敗: %w", err)
		}
		w = f
	}

	logger := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	return logger, nil
}

// ParseLevel はレベル文字列をzerologのレベルに変換する。
// 未知の文字列はInfoLevelを返す。
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
