// Package middleware はゲートウェイのGinベースHTTP層で使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、構造化リクエストログ、CORS設定、
// Prometheusメトリクス収集を含む。認可判断そのものは
// internal/gatewayのAuth Enforcerが担当する。
package middleware
