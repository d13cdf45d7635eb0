// Package gateway は認証ゲートウェイの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。受信リクエストを正規化→認可→転送のパイプラインで処理し、
// Bearerトークンの検証、レガシーパスの修復、バックエンドへの転送を行う。
// 自動発行されたトークンはすべてSQLiteの監査ログに記録する。
package gateway
