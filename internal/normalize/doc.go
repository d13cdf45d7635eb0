// Package normalize はレガシークライアントの不正なリクエストを
// バックエンドが期待する正規形に修復する。
//
// パスの書き換えは順序付きルールテーブルで行い、最初に一致した
// ルールだけが適用される。重複した/apiプレフィックスの除去、
// ログインリクエストのJSON→フォームエンコード変換、パスからの
// ルート分類（ログイン/公開アセット/要認証/要管理者権限）を担当する。
package normalize
