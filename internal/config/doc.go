// Package config はゲートウェイの環境設定を提供する。
//
// 起動時に一度だけ環境変数（および存在すれば.envファイル）から読み込み、
// 不変のConfig構造体として各コンポーネントに注入する。
// グローバル変数経由での設定参照は行わない。
package config
