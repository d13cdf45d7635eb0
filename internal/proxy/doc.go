// Package proxy は正規化・認可済みリクエストのバックエンドへの転送を提供する。
//
// 接続プールを持つ単一のHTTPクライアントを全リクエストで共有し、
// TCP接続と最初のレスポンスヘッダー受信に上限時間を設ける。
// バックエンドのレスポンスはステータスコードをそのまま保ち、
// ボディは受信順にストリーミングで呼び出し元へ返す。
package proxy
